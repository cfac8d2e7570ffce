package cpu

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cwbudde/prefixscan/internal/device"
)

var (
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineComment  = regexp.MustCompile(`//[^\n]*`)
	kernelDecl   = regexp.MustCompile(`(?:__kernel|kernel)\s+void\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
)

type program struct {
	owner   *Executor
	kernels map[string]Kernel
	names   []string
}

func (p *program) EntryPoints() []string {
	return append([]string(nil), p.names...)
}

// Compile resolves every kernel declared in source to a host kernel.
// A declaration without a host implementation fails the build.
func (e *Executor) Compile(source string) (device.Program, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, &device.CompilationError{Code: device.CodeInvalidValue, Err: device.ErrClosed}
	}

	stripped := lineComment.ReplaceAllString(blockComment.ReplaceAllString(source, ""), "")
	matches := kernelDecl.FindAllStringSubmatch(stripped, -1)
	if len(matches) == 0 {
		return nil, &device.CompilationError{
			Log:  "error: no kernel entry points declared",
			Code: device.CodeBuildProgramFailure,
			Err:  fmt.Errorf("empty program"),
		}
	}

	p := &program{owner: e, kernels: make(map[string]Kernel, len(matches))}
	var buildLog []string
	for _, m := range matches {
		name := m[1]
		k, ok := e.kernels[name]
		if !ok {
			buildLog = append(buildLog, fmt.Sprintf("error: kernel '%s' has no host implementation", name))
			continue
		}
		if _, dup := p.kernels[name]; dup {
			buildLog = append(buildLog, fmt.Sprintf("error: redefinition of kernel '%s'", name))
			continue
		}
		p.kernels[name] = k
		p.names = append(p.names, name)
	}

	if len(buildLog) > 0 {
		return nil, &device.CompilationError{
			Log:  strings.Join(buildLog, "\n"),
			Code: device.CodeBuildProgramFailure,
			Err:  fmt.Errorf("%d error(s) generated", len(buildLog)),
		}
	}

	sort.Strings(p.names)
	e.logger.Debug("Program built", "kernels", p.names)
	return p, nil
}
