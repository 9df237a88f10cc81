// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Mode tells whether lower or higher values of the monitored metric are better.
type Mode string

const (
	ModeMin Mode = "min"
	ModeMax Mode = "max"
)

// DirName is the subdirectory of the log directory where checkpoints are saved.
const DirName = "checkpoints"

// Policy decides which checkpoints offered during training are kept: the SaveTopK best ones
// according to the first monitored metric.
//
// Build it with NewPolicy and the configuration methods, then call Offer at the end of every
// validation.
type Policy struct {
	dir      string
	monitor  []string
	saveTopK int
	mode     Mode
	template string

	saved []savedCheckpoint
	last  string
}

type savedCheckpoint struct {
	path  string
	score float64
}

// NewPolicy returns a policy saving checkpoints in dir, monitoring "avg_val_loss", keeping the best
// one with the lowest value.
func NewPolicy(dir string) *Policy {
	return &Policy{dir: dir, monitor: []string{"avg_val_loss"}, saveTopK: 1, mode: ModeMin}
}

// Monitor sets the metrics used in the checkpoint file name. The first one is used to rank checkpoints.
func (p *Policy) Monitor(metrics ...string) *Policy {
	if len(metrics) > 0 {
		p.monitor = slices.Clone(metrics)
	}
	return p
}

// SaveTopK sets how many checkpoints to keep. 0 disables saving and -1 keeps all of them.
func (p *Policy) SaveTopK(k int) *Policy {
	p.saveTopK = k
	return p
}

// Mode sets whether lower (ModeMin) or higher (ModeMax) values are better.
func (p *Policy) Mode(mode Mode) *Policy {
	p.mode = mode
	return p
}

// Filename sets the template used to name checkpoints. See FormatFilename.
// The default is "{epoch}" followed by each monitored metric with 4 decimal places,
// e.g. "{epoch}-{avg_val_loss:.4f}".
func (p *Policy) Filename(template string) *Policy {
	p.template = template
	return p
}

// Validate checks the policy configuration.
func (p *Policy) Validate() error {
	if p.mode != ModeMin && p.mode != ModeMax {
		return errors.Errorf("checkpoint mode must be %q or %q, got %q", ModeMin, ModeMax, p.mode)
	}
	if p.saveTopK < -1 {
		return errors.Errorf("checkpoint save_top_k must be >= -1, got %d", p.saveTopK)
	}
	for _, m := range p.monitor {
		if m == "" {
			return errors.New("empty checkpoint monitor metric name")
		}
	}
	return nil
}

// Dir where checkpoints are saved.
func (p *Policy) Dir() string { return p.dir }

// Template returns the file name template in use.
func (p *Policy) Template() string {
	if p.template != "" {
		return p.template
	}
	parts := []string{"{epoch}"}
	for _, m := range p.monitor {
		parts = append(parts, "{"+m+":.4f}")
	}
	return strings.Join(parts, "-")
}

// String implements fmt.Stringer.
func (p *Policy) String() string {
	return fmt.Sprintf("checkpoints.Policy(dir=%q, monitor=%v, mode=%s, save_top_k=%d)", p.dir, p.monitor, p.mode, p.saveTopK)
}

// Offer the checkpoint to the policy: it is saved if it is among the top k, and the checkpoint that
// drops out of the top k is removed. It returns the path of the saved checkpoint, or "" if it was not saved.
func (p *Policy) Offer(ckpt *Checkpoint) (path string, err error) {
	if p.saveTopK == 0 {
		return "", nil
	}
	key := p.monitor[0]
	score, found := ckpt.Metrics[key]
	if !found {
		return "", errors.Errorf("checkpoint policy monitors %q, but it is not among the metrics %v", key, sortedKeys(ckpt.Metrics))
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		klog.Warningf("checkpoint at epoch %d not saved: %s is %g", ckpt.Epoch, key, score)
		return "", nil
	}
	if p.saveTopK > 0 && len(p.saved) >= p.saveTopK && !p.better(score, p.saved[len(p.saved)-1].score) {
		return "", nil
	}

	name, err := FormatFilename(p.Template(), ckpt.Epoch, ckpt.Step, ckpt.Metrics)
	if err != nil {
		return "", err
	}
	path = filepath.Join(p.dir, name)
	if err = Save(path, ckpt); err != nil {
		return "", err
	}
	p.last = path
	p.saved = slices.DeleteFunc(p.saved, func(s savedCheckpoint) bool { return s.path == path })
	p.saved = append(p.saved, savedCheckpoint{path: path, score: score})
	sort.SliceStable(p.saved, func(i, j int) bool { return p.better(p.saved[i].score, p.saved[j].score) })
	if p.saveTopK > 0 {
		for len(p.saved) > p.saveTopK {
			worst := p.saved[len(p.saved)-1]
			p.saved = p.saved[:len(p.saved)-1]
			if err = Remove(worst.path); err != nil {
				return path, err
			}
			klog.V(1).Infof("removed checkpoint %s", worst.path)
		}
	}
	return path, nil
}

func (p *Policy) better(a, b float64) bool {
	if p.mode == ModeMax {
		return a > b
	}
	return a < b
}

// Best returns the path of the best checkpoint saved so far, or "" if none was saved.
func (p *Policy) Best() string {
	if len(p.saved) == 0 {
		return ""
	}
	return p.saved[0].path
}

// Last returns the path of the last checkpoint saved, or "" if none was saved.
func (p *Policy) Last() string {
	return p.last
}

// Saved returns the paths of the checkpoints kept, best first.
func (p *Policy) Saved() []string {
	paths := make([]string, len(p.saved))
	for ii, s := range p.saved {
		paths[ii] = s.path
	}
	return paths
}

var reTemplateField = regexp.MustCompile(`\{([A-Za-z0-9_.]+)(?::([^}]*))?\}`)

// FormatFilename expands the fields of template: "{name}" or "{name:format}", where name is
// "epoch", "step" or a metric, and format is a fmt verb without the "%" (e.g. ".4f").
// Each field becomes "name=value", e.g. "{epoch}-{avg_val_loss:.4f}" -> "epoch=3-avg_val_loss=0.1234".
//
// It fails if a field names an unknown metric.
func FormatFilename(template string, epoch, step int, metrics map[string]float64) (string, error) {
	var err error
	name := reTemplateField.ReplaceAllStringFunc(template, func(field string) string {
		groups := reTemplateField.FindStringSubmatch(field)
		key, format := groups[1], groups[2]
		var value any
		switch key {
		case "epoch":
			value = epoch
		case "step":
			value = step
		default:
			v, found := metrics[key]
			if !found {
				if err == nil {
					err = errors.Errorf("checkpoint file name template %q uses unknown metric %q", template, key)
				}
				return field
			}
			value = v
		}
		if format == "" {
			if _, isInt := value.(int); isInt {
				format = "d"
			} else {
				format = "g"
			}
		} else if i, isInt := value.(int); isInt && !strings.ContainsAny(format, "dxXob") {
			value = float64(i)
		}
		return key + "=" + fmt.Sprintf("%"+format, value)
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
