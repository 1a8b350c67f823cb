// Package plan loads declarative project plans from YAML and applies
// them to the store. A plan names epics, stories, tasks, and milestones
// symbolically; dependencies between tasks refer to those names. Plans
// are validated, including cycle detection, before anything is written,
// and applying the same plan twice is a no-op.
package plan

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomctl/loom/internal/errkind"
	"github.com/loomctl/loom/internal/graph"
	"github.com/loomctl/loom/pkg/models"
)

// File is a parsed plan document.
type File struct {
	Project    ProjectSpec     `yaml:"project"`
	Epics      []EpicSpec      `yaml:"epics"`
	Milestones []MilestoneSpec `yaml:"milestones"`
}

// ProjectSpec names the project the plan belongs to.
type ProjectSpec struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	WorkDir     string `yaml:"work_dir"`
}

// EpicSpec declares an epic and its stories.
type EpicSpec struct {
	Name        string      `yaml:"name"`
	Title       string      `yaml:"title"`
	Description string      `yaml:"description"`
	Stories     []StorySpec `yaml:"stories"`
}

// StorySpec declares a story and its tasks.
type StorySpec struct {
	Name        string     `yaml:"name"`
	Title       string     `yaml:"title"`
	Description string     `yaml:"description"`
	Tasks       []TaskSpec `yaml:"tasks"`
}

// TaskSpec declares an executable task. DependsOn refers to other task
// or subtask names anywhere in the plan.
type TaskSpec struct {
	Name        string        `yaml:"name"`
	Title       string        `yaml:"title"`
	Description string        `yaml:"description"`
	TaskType    string        `yaml:"task_type"`
	Priority    int           `yaml:"priority"`
	MaxAttempts int           `yaml:"max_attempts"`
	Deadline    string        `yaml:"deadline"`
	DependsOn   []string      `yaml:"depends_on"`
	Subtasks    []SubtaskSpec `yaml:"subtasks"`
}

// SubtaskSpec declares a subtask under a task.
type SubtaskSpec struct {
	Name        string   `yaml:"name"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	TaskType    string   `yaml:"task_type"`
	Priority    int      `yaml:"priority"`
	DependsOn   []string `yaml:"depends_on"`
}

// MilestoneSpec declares a milestone gated on epics by name.
type MilestoneSpec struct {
	Name     string   `yaml:"name"`
	Version  string   `yaml:"version"`
	Requires []string `yaml:"requires"`
}

var knownTaskTypes = map[string]bool{
	string(models.TaskValidation):     true,
	string(models.TaskCodeGeneration): true,
	string(models.TaskRefactoring):    true,
	string(models.TaskDebugging):      true,
	string(models.TaskErrorAnalysis):  true,
	string(models.TaskPlanning):       true,
	string(models.TaskDocumentation):  true,
	string(models.TaskTesting):        true,
}

// Load reads and validates a plan file. Unknown YAML fields are
// rejected.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates plan bytes.
func Parse(raw []byte) (*File, error) {
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)

	var pf File
	if err := dec.Decode(&pf); err != nil {
		return nil, errkind.New(errkind.Validation, "plan", "parse plan: %v", err)
	}
	if err := pf.Validate(); err != nil {
		return nil, err
	}
	return &pf, nil
}

// Validate checks structural completeness, name uniqueness, dependency
// resolution, and rejects plans whose task graph contains a cycle.
func (pf *File) Validate() error {
	if pf.Project.Name == "" {
		return errkind.New(errkind.Validation, "plan", "plan has no project name")
	}

	epics := make(map[string]bool)
	execNames := make(map[string]bool)

	for _, e := range pf.Epics {
		if e.Name == "" || e.Title == "" {
			return errkind.New(errkind.Validation, "plan", "epic needs both name and title")
		}
		if epics[e.Name] {
			return errkind.New(errkind.Validation, "plan", "duplicate epic name %q", e.Name)
		}
		epics[e.Name] = true

		stories := make(map[string]bool)
		for _, st := range e.Stories {
			if st.Name == "" || st.Title == "" {
				return errkind.New(errkind.Validation, "plan",
					"story under epic %q needs both name and title", e.Name)
			}
			if stories[st.Name] {
				return errkind.New(errkind.Validation, "plan",
					"duplicate story name %q under epic %q", st.Name, e.Name)
			}
			stories[st.Name] = true

			for _, t := range st.Tasks {
				if err := checkExecSpec(execNames, t.Name, t.Title, t.TaskType, t.Deadline); err != nil {
					return err
				}
				for _, sub := range t.Subtasks {
					if err := checkExecSpec(execNames, sub.Name, sub.Title, sub.TaskType, ""); err != nil {
						return err
					}
				}
			}
		}
	}

	// Dependencies resolve only against executable items.
	err := pf.eachExec(func(name string, deps []string) error {
		for _, d := range deps {
			if d == name {
				return errkind.New(errkind.Validation, "plan", "task %q depends on itself", name)
			}
			if !execNames[d] {
				return errkind.New(errkind.Validation, "plan",
					"task %q depends on unknown task %q", name, d)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, m := range pf.Milestones {
		if m.Name == "" {
			return errkind.New(errkind.Validation, "plan", "milestone needs a name")
		}
		for _, r := range m.Requires {
			if !epics[r] {
				return errkind.New(errkind.Validation, "plan",
					"milestone %q requires unknown epic %q", m.Name, r)
			}
		}
	}

	return pf.checkAcyclic()
}

func checkExecSpec(seen map[string]bool, name, title, taskType, deadline string) error {
	if name == "" || title == "" {
		return errkind.New(errkind.Validation, "plan", "task needs both name and title")
	}
	if seen[name] {
		return errkind.New(errkind.Validation, "plan", "duplicate task name %q", name)
	}
	seen[name] = true
	if taskType != "" && !knownTaskTypes[taskType] {
		return errkind.New(errkind.Validation, "plan", "task %q has unknown task type %q", name, taskType)
	}
	if deadline != "" {
		if _, err := time.Parse(time.RFC3339, deadline); err != nil {
			return errkind.New(errkind.Validation, "plan",
				"task %q has unparseable deadline %q", name, deadline)
		}
	}
	return nil
}

// eachExec visits every task and subtask with its declared dependencies.
func (pf *File) eachExec(fn func(name string, deps []string) error) error {
	for _, e := range pf.Epics {
		for _, st := range e.Stories {
			for _, t := range st.Tasks {
				if err := fn(t.Name, t.DependsOn); err != nil {
					return err
				}
				for _, sub := range t.Subtasks {
					if err := fn(sub.Name, sub.DependsOn); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// checkAcyclic builds the symbolic task graph and rejects cycles,
// naming the participants.
func (pf *File) checkAcyclic() error {
	index := make(map[string]int64)
	names := make(map[int64]string)
	next := int64(1)
	_ = pf.eachExec(func(name string, _ []string) error {
		index[name] = next
		names[next] = name
		next++
		return nil
	})

	g := graph.New(nil)
	for _, id := range index {
		g.AddNode(id)
	}
	_ = pf.eachExec(func(name string, deps []string) error {
		for _, d := range deps {
			g.AddEdge(index[name], index[d])
		}
		return nil
	})

	cycle := g.FindCycle()
	if cycle == nil {
		return nil
	}
	parts := make([]string, 0, len(cycle))
	for _, id := range cycle {
		parts = append(parts, names[id])
	}
	sort.Strings(parts)
	return errkind.New(errkind.Validation, "plan",
		"plan contains a dependency cycle among %s", strings.Join(parts, ", "))
}
