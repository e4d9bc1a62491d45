package document

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidDoc is returned when a document fails validation.
var ErrInvalidDoc = errors.New("invalid document")

var (
	widgetKinds = map[string]bool{
		"priceChart":  true,
		"orderEntry":  true,
		"marketWatch": true,
		"plugin":      true,
	}
	timeframes = map[string]bool{
		"1m": true, "5m": true, "15m": true, "1h": true, "4h": true, "1d": true,
	}
	orientations = map[string]bool{
		"vertical":   true,
		"horizontal": true,
	}
)

// Validate checks an operation's header and payload.
func Validate(op Op) error {
	if op == nil {
		return fmt.Errorf("%w: nil operation", ErrInvalidOp)
	}
	meta := op.Header()
	if meta.OpID == "" {
		return fmt.Errorf("%w: opId is required", ErrInvalidOp)
	}
	if meta.ClientID == "" {
		return fmt.Errorf("%w: clientId is required", ErrInvalidOp)
	}
	if meta.Now.IsZero() {
		return fmt.Errorf("%w: now is required", ErrInvalidOp)
	}
	if err := op.validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidOp, op.Type(), err)
	}
	return nil
}

func (op SetViewport) validate() error {
	return ValidateViewport(op.Viewport)
}

func (op AddNode) validate() error {
	return ValidateNode(op.Node)
}

func (op UpdateNodeProps) validate() error {
	if op.NodeID == "" {
		return errors.New("nodeId is required")
	}
	if op.Props == nil {
		return errors.New("props is required")
	}
	return nil
}

func (op MoveNodes) validate() error {
	return validateIDs("nodeIds", op.NodeIDs)
}

func (op ResizeNode) validate() error {
	if op.NodeID == "" {
		return errors.New("nodeId is required")
	}
	return nil
}

func (op DeleteNodes) validate() error {
	return validateIDs("nodeIds", op.NodeIDs)
}

func (op SetNodeOrder) validate() error {
	return validateIDs("nodeOrder", op.NodeOrder)
}

func validateIDs(field string, ids []string) error {
	if ids == nil {
		return fmt.Errorf("%s is required", field)
	}
	for i, id := range ids {
		if id == "" {
			return fmt.Errorf("%s[%d] is empty", field, i)
		}
	}
	return nil
}

// ValidateViewport requires a strictly positive zoom.
func ValidateViewport(v Viewport) error {
	if !(v.Zoom > 0) {
		return fmt.Errorf("viewport zoom must be positive, got %v", v.Zoom)
	}
	return nil
}

// ValidateNode checks the common node fields and the props of its variant.
// Unknown prop keys are allowed on frames and widgets.
func ValidateNode(n Node) error {
	if n.ID == "" {
		return errors.New("node id is required")
	}
	if n.CreatedAt.IsZero() || n.UpdatedAt.IsZero() {
		return fmt.Errorf("node %q: createdAt and updatedAt are required", n.ID)
	}
	if n.Props == nil {
		return fmt.Errorf("node %q: props is required", n.ID)
	}

	var err error
	switch n.Type {
	case NodeFrame:
		err = optionalString(n.Props, "title")
	case NodeWidget:
		err = validateWidgetProps(n.Props)
	case NodeGuide:
		if o, ok := n.Props["orientation"].(string); !ok || !orientations[o] {
			err = fmt.Errorf("guide orientation must be vertical or horizontal")
		} else if !isNumber(n.Props["value"]) {
			err = fmt.Errorf("guide value must be a number")
		}
	case NodeText:
		if _, ok := n.Props["text"].(string); !ok {
			err = fmt.Errorf("text is required")
		}
	default:
		err = fmt.Errorf("unknown node type %q", n.Type)
	}
	if err != nil {
		return fmt.Errorf("node %q: %w", n.ID, err)
	}
	return nil
}

func validateWidgetProps(props map[string]any) error {
	kind, ok := props["widgetType"].(string)
	if !ok || !widgetKinds[kind] {
		return fmt.Errorf("unknown widgetType %v", props["widgetType"])
	}
	if kind == "plugin" {
		if id, ok := props["widgetId"].(string); !ok || id == "" {
			return errors.New("plugin widgets require widgetId")
		}
		return nil
	}
	if err := optionalString(props, "symbol"); err != nil {
		return err
	}
	if tf, present := props["timeframe"]; present {
		s, ok := tf.(string)
		if !ok || !timeframes[s] {
			return fmt.Errorf("unsupported timeframe %v", tf)
		}
	}
	return nil
}

func optionalString(props map[string]any, key string) error {
	v, present := props[key]
	if !present {
		return nil
	}
	if _, ok := v.(string); !ok {
		return fmt.Errorf("%s must be a string", key)
	}
	return nil
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64, json.Number:
		return true
	}
	return false
}

// ValidateDoc checks a whole document as accepted at the REST boundary.
func ValidateDoc(d Doc) error {
	if d.WorkspaceID == "" {
		return fmt.Errorf("%w: workspaceId is required", ErrInvalidDoc)
	}
	if d.Version < 0 {
		return fmt.Errorf("%w: version must be non-negative", ErrInvalidDoc)
	}
	if d.CreatedAt.IsZero() || d.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: createdAt and updatedAt are required", ErrInvalidDoc)
	}
	if err := ValidateViewport(d.Viewport); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDoc, err)
	}
	if d.Nodes == nil || d.NodeOrder == nil || d.Selection == nil {
		return fmt.Errorf("%w: nodes, nodeOrder and selection are required", ErrInvalidDoc)
	}
	for _, n := range d.Nodes {
		if err := ValidateNode(n); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDoc, err)
		}
	}
	return nil
}
