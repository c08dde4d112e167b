package builder

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/rendis/docflow/internal/store"
	"github.com/rendis/docflow/pkg/schema"
)

// Graph is the editable node/edge representation a visual builder
// works with. Node types use the UI's camelCase names; edges carry a
// success or failure source handle.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node is one step on the canvas.
type Node struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Position Position        `json:"position"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Position is a canvas coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge connects two nodes. SourceHandle is "success" or "failure".
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle"`
}

// UI node type names mapped to persisted step types.
var uiToStepType = map[string]schema.StepType{
	"trigger":      schema.StepTypeTrigger,
	"parse":        schema.StepTypeParse,
	"documentType": schema.StepTypeDocumentType,
	"condition":    schema.StepTypeCondition,
	"transform":    schema.StepTypeTransform,
	"apiAction":    schema.StepTypeAPIAction,
	"delay":        schema.StepTypeDelay,
	"end":          schema.StepTypeEnd,
}

var stepTypeToUI = func() map[schema.StepType]string {
	m := make(map[schema.StepType]string, len(uiToStepType))
	for ui, st := range uiToStepType {
		m[st] = ui
	}
	return m
}()

// FromSteps converts a persisted step list into an editable graph with
// freshly computed positions. An empty step list seeds a default
// trigger node so the canvas never starts blank.
func FromSteps(steps []schema.Step) *Graph {
	if len(steps) == 0 {
		return &Graph{
			Nodes: []Node{{
				ID:   uuid.NewString(),
				Type: "trigger",
				Data: json.RawMessage(`{}`),
			}},
			Edges: []Edge{},
		}
	}

	g := &Graph{
		Nodes: make([]Node, 0, len(steps)),
		Edges: make([]Edge, 0, len(steps)),
	}
	for _, s := range steps {
		g.Nodes = append(g.Nodes, Node{
			ID:   s.ID,
			Type: stepTypeToUI[s.Type],
			Data: s.Config,
		})
		if s.NextOnSuccess != "" {
			g.Edges = append(g.Edges, Edge{
				ID:           edgeID(s.ID, s.NextOnSuccess, "success"),
				Source:       s.ID,
				Target:       s.NextOnSuccess,
				SourceHandle: "success",
			})
		}
		if s.NextOnFailure != "" {
			g.Edges = append(g.Edges, Edge{
				ID:           edgeID(s.ID, s.NextOnFailure, "failure"),
				Source:       s.ID,
				Target:       s.NextOnFailure,
				SourceHandle: "failure",
			})
		}
	}
	Layout(g)
	return g
}

// ToSteps converts an editable graph back into the persisted step
// list. Positions are presentation state and are dropped; they are
// recomputed on the next load.
func ToSteps(g *Graph) ([]schema.Step, error) {
	byID := make(map[string]*schema.Step, len(g.Nodes))
	order := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		stepType, ok := uiToStepType[n.Type]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown node type %q", n.Type)
		}
		if _, dup := byID[n.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id %q", n.ID)
		}
		byID[n.ID] = &schema.Step{ID: n.ID, Type: stepType, Config: n.Data}
		order = append(order, n.ID)
	}

	for _, e := range g.Edges {
		src, ok := byID[e.Source]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"edge %q references unknown source node %q", e.ID, e.Source)
		}
		if _, ok := byID[e.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"edge %q references unknown target node %q", e.ID, e.Target)
		}
		switch e.SourceHandle {
		case "success", "":
			if src.NextOnSuccess != "" {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"node %q has multiple success edges", e.Source)
			}
			src.NextOnSuccess = e.Target
		case "failure":
			if src.NextOnFailure != "" {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"node %q has multiple failure edges", e.Source)
			}
			src.NextOnFailure = e.Target
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"edge %q has unknown sourceHandle %q", e.ID, e.SourceHandle)
		}
	}

	steps := make([]schema.Step, 0, len(order))
	for _, id := range order {
		steps = append(steps, *byID[id])
	}
	return steps, nil
}

func edgeID(source, target, handle string) string {
	return fmt.Sprintf("e-%s-%s-%s", source, handle, target)
}

// Service loads and saves authoring graphs against the store. Saving
// is draft semantics: the graph is persisted as the workflow's step
// list without validation, which only gates activation.
type Service struct {
	store store.Store
}

func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Load returns the workflow's graph with fresh layout positions.
func (s *Service) Load(ctx context.Context, tenantID, workflowID string) (*Graph, error) {
	wf, err := s.store.GetWorkflow(ctx, tenantID, workflowID)
	if err != nil {
		return nil, err
	}
	return FromSteps(wf.Steps), nil
}

// Save replaces the workflow's step list with the graph's steps.
func (s *Service) Save(ctx context.Context, tenantID, workflowID string, g *Graph) error {
	steps, err := ToSteps(g)
	if err != nil {
		return err
	}
	wf, err := s.store.GetWorkflow(ctx, tenantID, workflowID)
	if err != nil {
		return err
	}
	wf.Steps = steps
	return s.store.UpdateWorkflow(ctx, wf)
}
