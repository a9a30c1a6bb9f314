// Package action implements the commands a job is made of. Each command
// turns its parameters into one operation on the job's target.
package action

import (
	"context"
	"fmt"
	"sort"
)

// Action is one executable job step.
type Action interface {
	Run(ctx context.Context, params Params) error
	// TestName names the result recorded for this step.
	TestName(params Params) string
}

// base is embedded by every action.
type base struct {
	c    *Context
	name string
}

func (b base) TestName(Params) string { return b.name }

// Command describes a registered job command.
type Command struct {
	Name string
	New  func(c *Context) Action
	// Check runs cross-field validation the parameter schema cannot
	// express. It is called before any action runs.
	Check func(params Params) error
}

var registry = map[string]Command{}

func command(name string, ctor func(base) Action, check func(Params) error) Command {
	return Command{
		Name:  name,
		New:   func(c *Context) Action { return ctor(base{c: c, name: name}) },
		Check: check,
	}
}

func register(cmd Command) {
	if _, dup := registry[cmd.Name]; dup {
		panic(fmt.Sprintf("action %q registered twice", cmd.Name))
	}
	registry[cmd.Name] = cmd
}

// Lookup returns the command registered under name.
func Lookup(name string) (Command, bool) {
	cmd, ok := registry[name]
	return cmd, ok
}

// Names returns the registered command names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	register(command("deploy_image", newDeployImage, nil))
	register(command("deploy_linaro_image", newDeployLinaro, checkLinaroDeploy))
	register(command("deploy_linaro_android_image", newDeployAndroid, nil))
	register(command("deploy_linaro_kernel", newDeployKernel, nil))
	register(command("dummy_deploy", newDummyDeploy, nil))

	for _, name := range []string{"boot", "boot_linaro_image", "boot_linaro_android_image"} {
		register(command(name, newBoot, nil))
	}

	register(command("run_shell_command", newShellCommand, nil))
	register(command("extract_tarball", newExtractTarball, nil))

	register(command("submit_results", newSubmitResults, nil))
	register(command("submit_results_on_host", newSubmitResults, nil))
}
