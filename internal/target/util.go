package target

import (
	"strings"

	"github.com/sourceplane/devicelab/internal/download"
)

func downloadRaw() download.Options {
	return download.Options{}
}

func downloadImage() download.Options {
	return download.Options{Decompress: true}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func downloadRawIn(dir string) download.Options {
	return download.Options{Dir: dir}
}
