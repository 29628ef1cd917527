package service

import (
	"os"
	"slices"
	"strings"

	"github.com/CZERTAINLY/Bosun/internal/model"
)

// Env returns the extra environment of bosh processes as KEY=value pairs,
// sorted by key. Values starting with $ are expanded.
func Env(cfg model.Bosh) []string {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	slices.Sort(env)
	return env
}

// LaunchCommand returns the bosh Command for one execution. The invocation
// file is owned by the command and removed when the process is gone.
func LaunchCommand(cfg model.Bosh, descriptor, invocation string, req model.LaunchRequest) Command {
	var env []string
	if len(cfg.Env) > 0 {
		env = Env(cfg)
	}
	return Command{
		Path:        cfg.Path,
		Args:        BuildArgs(descriptor, invocation, req.ContainerMode),
		Dir:         req.OutputDir,
		Env:         env,
		CancelGrace: cfg.Grace(),
		Files:       []string{invocation},
	}
}
