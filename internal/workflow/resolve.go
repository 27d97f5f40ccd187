package workflow

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

// resultRef matches {{<taskName>.result}}.
var resultRef = regexp.MustCompile(`\{\{\s*([^{}]+?)\.result\s*\}\}`)

// ResolveParameters returns a copy of the task's parameters with every
// {{<taskName>.result}} reference replaced by the stored result of that task.
// References to unknown or unfinished tasks are left untouched and returned
// so the caller can log them.
func (w *Workflow) ResolveParameters(id string) (types.Parameters, []string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	t, err := w.lookupLocked(id)
	if err != nil {
		return types.Parameters{}, nil, err
	}

	r := &resolver{w: w, seen: make(map[string]bool)}
	p := t.Parameters.Clone()
	if p.Text != nil {
		p.Text.Prompt = r.str(p.Text.Prompt)
		p.Text.System = r.str(p.Text.System)
	}
	if p.Vision != nil {
		p.Vision.Prompt = r.str(p.Vision.Prompt)
		for i, img := range p.Vision.Images {
			p.Vision.Images[i] = r.str(img)
		}
	}
	if p.Function != nil {
		for k, v := range p.Function.Args {
			p.Function.Args[k] = r.any(v)
		}
	}
	if p.HTTP != nil {
		p.HTTP.URL = r.str(p.HTTP.URL)
		p.HTTP.Body = r.str(p.HTTP.Body)
		for k, v := range p.HTTP.Headers {
			p.HTTP.Headers[k] = r.str(v)
		}
	}
	if p.File != nil {
		p.File.Path = r.str(p.File.Path)
		p.File.Content = r.str(p.File.Content)
	}
	for k, v := range p.External {
		p.External[k] = r.any(v)
	}
	return p, r.unresolved, nil
}

type resolver struct {
	w          *Workflow
	unresolved []string
	seen       map[string]bool
}

func (r *resolver) str(s string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return resultRef.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimSpace(resultRef.FindStringSubmatch(match)[1])
		id, ok := r.w.byName[name]
		if ok {
			if _, done := r.w.completed[id]; done {
				return render(r.w.results[id])
			}
		}
		if !r.seen[name] {
			r.seen[name] = true
			r.unresolved = append(r.unresolved, name)
		}
		return match
	})
}

func (r *resolver) any(v any) any {
	switch val := v.(type) {
	case string:
		return r.str(val)
	case map[string]any:
		for k, inner := range val {
			val[k] = r.any(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = r.any(inner)
		}
		return val
	default:
		return v
	}
}

func render(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
