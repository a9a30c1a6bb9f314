package model

// Image types with known shell conventions
const (
	ImageUbuntu  = "ubuntu"
	ImageOE      = "oe"
	ImageFedora  = "fedora"
	ImageAndroid = "android"
)

// DeploymentData describes how to recognise and talk to the shell of the
// most recently deployed image.
type DeploymentData struct {
	ImageType           string `json:"image_type"`
	TesterPS1           string `json:"tester_ps1"`
	TesterPS1Pattern    string `json:"tester_ps1_pattern"`
	TesterPS1IncludesRC bool   `json:"tester_ps1_includes_rc"`
	BootImage           string `json:"boot_image,omitempty"`
}

var deploymentDefaults = map[string]DeploymentData{
	ImageUbuntu: {
		ImageType:           ImageUbuntu,
		TesterPS1:           `linaro-test [rc=$(echo \$?)]# `,
		TesterPS1Pattern:    `linaro-test \[rc=(\d+)\]# `,
		TesterPS1IncludesRC: true,
	},
	ImageOE: {
		ImageType:           ImageOE,
		TesterPS1:           `linaro-test [rc=$(echo \$?)]# `,
		TesterPS1Pattern:    `linaro-test \[rc=(\d+)\]# `,
		TesterPS1IncludesRC: true,
	},
	ImageFedora: {
		ImageType:           ImageFedora,
		TesterPS1:           `linaro-test [rc=$(echo \$?)]# `,
		TesterPS1Pattern:    `linaro-test \[rc=(\d+)\]# `,
		TesterPS1IncludesRC: true,
	},
	ImageAndroid: {
		ImageType:           ImageAndroid,
		TesterPS1:           "root@linaro# ",
		TesterPS1Pattern:    "root@linaro# ",
		TesterPS1IncludesRC: false,
	},
}

// DeploymentFor returns a fresh copy of the defaults for imageType.
func DeploymentFor(imageType string) (*DeploymentData, bool) {
	data, ok := deploymentDefaults[imageType]
	if !ok {
		return nil, false
	}
	return &data, true
}
