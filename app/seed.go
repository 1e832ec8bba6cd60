package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/issue-workflow/codec"
	"github.com/songzhibin97/issue-workflow/issues"
	"github.com/songzhibin97/issue-workflow/types"
	"github.com/songzhibin97/issue-workflow/workflow"
)

// Seed is the bootstrap document loaded by LoadSeed. Every entry that already exists is left alone.
type Seed struct {
	Statuses  []types.Status `yaml:"statuses" validate:"dive"`
	Projects  []SeedProject  `yaml:"projects" validate:"dive"`
	Workflows []SeedWorkflow `yaml:"workflows" validate:"dive"`
	Schemes   []SeedScheme   `yaml:"schemes" validate:"dive"`

	dir string
}

type SeedProject struct {
	Key  string `yaml:"key" validate:"required,alphanum,uppercase"`
	Name string `yaml:"name" validate:"required"`
}

// SeedWorkflow names an XML descriptor either inline or by file, relative to the seed document.
type SeedWorkflow struct {
	Name       string `yaml:"name"`
	File       string `yaml:"file" validate:"required_without=Descriptor"`
	Descriptor string `yaml:"descriptor" validate:"required_without=File"`
}

type SeedScheme struct {
	Name        string            `yaml:"name" validate:"required"`
	Description string            `yaml:"description"`
	Mappings    map[string]string `yaml:"mappings" validate:"required,dive,required"`
	Projects    []string          `yaml:"projects" validate:"dive,required"`
}

// SeedResult counts what ApplySeed created.
type SeedResult struct {
	Statuses  int
	Projects  int
	Workflows int
	Schemes   int
}

var validateSeed = validator.New(validator.WithRequiredStructEnabled())

// LoadSeed reads and validates a YAML seed document.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed %s: %w", path, err)
	}
	seed, err := ParseSeed(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	seed.dir = filepath.Dir(path)
	return seed, nil
}

// ParseSeed decodes and validates a YAML seed document.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to decode seed: %w", err)
	}
	if err := validateSeed.Struct(&seed); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return nil, fmt.Errorf("invalid seed: %s fails %q", fe.Namespace(), fe.Tag())
		}
		return nil, fmt.Errorf("invalid seed: %w", err)
	}
	for _, s := range seed.Statuses {
		if strings.TrimSpace(s.ID) == "" || strings.TrimSpace(s.Name) == "" {
			return nil, errors.New("invalid seed: every status needs an id and a name")
		}
	}
	return &seed, nil
}

func (s *Seed) descriptor(w SeedWorkflow) (string, error) {
	if w.Descriptor != "" {
		return w.Descriptor, nil
	}
	path := w.File
	if !filepath.IsAbs(path) && s.dir != "" {
		path = filepath.Join(s.dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read workflow %s: %w", path, err)
	}
	return string(data), nil
}

// ApplySeed creates the statuses, projects, workflows and schemes of seed in that order,
// then attaches each scheme to its projects.
func (a *App) ApplySeed(ctx context.Context, user *types.User, seed *Seed) (SeedResult, error) {
	var res SeedResult
	for _, status := range seed.Statuses {
		_, err := a.Statuses.ResolveStatus(ctx, status.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, issues.ErrStatusNotFound) {
			return res, err
		}
		if err := a.Statuses.Add(ctx, status); err != nil {
			return res, err
		}
		res.Statuses++
	}

	projects := make(map[string]types.Project)
	for _, p := range seed.Projects {
		existing, err := a.Projects.GetByKey(ctx, p.Key)
		if err == nil {
			projects[p.Key] = existing
			continue
		}
		if !errors.Is(err, issues.ErrProjectNotFound) {
			return res, err
		}
		created, err := a.Projects.Create(ctx, types.Project{Key: p.Key, Name: p.Name})
		if err != nil {
			return res, err
		}
		projects[p.Key] = created
		res.Projects++
	}

	xmlCodec := codec.NewXMLCodec()
	for _, w := range seed.Workflows {
		data, err := seed.descriptor(w)
		if err != nil {
			return res, err
		}
		g, err := xmlCodec.Decode(data)
		if err != nil {
			return res, err
		}
		if w.Name != "" {
			g.Name = w.Name
		}
		if _, err := a.Workflows.CreateWorkflow(ctx, user, g); err != nil {
			if errors.Is(err, workflow.ErrWorkflowExists) {
				a.Logger.Info("seed workflow already exists", "workflow", g.Name)
				continue
			}
			return res, fmt.Errorf("failed to seed workflow %q: %w", g.Name, err)
		}
		res.Workflows++
	}

	for _, sc := range seed.Schemes {
		existing, found, err := a.Schemes.Schemes().GetByName(ctx, sc.Name)
		if err != nil {
			return res, err
		}
		if !found {
			existing, err = a.Schemes.CreateScheme(ctx, user, &types.Scheme{
				Name:        sc.Name,
				Description: sc.Description,
				Mappings:    sc.Mappings,
			})
			if err != nil {
				return res, fmt.Errorf("failed to seed scheme %q: %w", sc.Name, err)
			}
			res.Schemes++
		}
		for _, key := range sc.Projects {
			project, ok := projects[key]
			if !ok {
				if project, err = a.Projects.GetByKey(ctx, key); err != nil {
					return res, err
				}
			}
			if err := a.Schemes.AddSchemeToProject(ctx, user, project.ID, existing.ID); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}
