package packet

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/ChuLiYu/beaver-grid/internal/holder"
)

// ExecKind is the kind of ExecPacket.
const ExecKind = "exec"

func init() {
	Register(ExecKind, func() holder.Holder { return &ExecPacket{} })
}

// ExecPacket runs one program on a grid node. Arguments may reference files
// with {in:name} and {out:name}; they expand to the local paths of Inputs and
// Outputs after the packet was restored on the node.
type ExecPacket struct {
	holder.Base `yaml:",inline"`

	Program string                 `yaml:"program"`
	Args    []string               `yaml:"args,omitempty"`
	Env     map[string]string      `yaml:"env,omitempty"`
	Inputs  map[string]holder.File `yaml:"inputs,omitempty"`
	Outputs map[string]holder.File `yaml:"outputs,omitempty"`
	WorkDir holder.File            `yaml:"work_dir,omitempty"`
}

func (p *ExecPacket) VisitFiles(w *holder.Walker) {
	holder.Map(w, "inputs", p.Inputs)
	holder.Map(w, "outputs", p.Outputs)
	w.File("work_dir", &p.WorkDir)
}

// SynchronizeAfterWork pushes every output back to the daemon that asked for
// it, in name order.
func (p *ExecPacket) SynchronizeAfterWork(ctx context.Context) error {
	names := make([]string, 0, len(p.Outputs))
	for name := range p.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := p.UploadAndWait(ctx, holder.Key("outputs", name)); err != nil {
			return fmt.Errorf("upload output %s: %w", name, err)
		}
	}
	return nil
}

var placeholder = regexp.MustCompile(`\{(in|out):([^{}]+)\}`)

// ExpandArgs substitutes {in:name} and {out:name} in Args.
func (p *ExecPacket) ExpandArgs() ([]string, error) {
	out := make([]string, len(p.Args))
	for i, arg := range p.Args {
		var missing error
		out[i] = placeholder.ReplaceAllStringFunc(arg, func(m string) string {
			parts := placeholder.FindStringSubmatch(m)
			files := p.Inputs
			if parts[1] == "out" {
				files = p.Outputs
			}
			f, ok := files[parts[2]]
			if !ok && missing == nil {
				missing = fmt.Errorf("argument %d references unknown file %s", i, m)
			}
			return string(f)
		})
		if missing != nil {
			return nil, missing
		}
	}
	return out, nil
}
