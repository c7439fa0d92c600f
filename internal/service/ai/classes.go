package ai

import "fmt"

var (
	defaultColor = []int{0, 255, 0}

	knownColors = map[string][]int{
		"Bolt": {0, 191, 255}, // deep sky blue
		"Nut":  {255, 165, 0}, // orange
	}
)

// ClassTable maps model class ids to names and display colours.
type ClassTable struct {
	names []string
}

// NewClassTable keeps names in model class order.
func NewClassTable(names []string) *ClassTable {
	return &ClassTable{names: append([]string(nil), names...)}
}

// Name returns the configured name or class_<id> for ids outside the table.
func (t *ClassTable) Name(id int) string {
	if id >= 0 && id < len(t.names) {
		return t.names[id]
	}
	return fmt.Sprintf("class_%d", id)
}

// Color returns the RGB colour for a class name.
func (t *ClassTable) Color(name string) []int {
	if c, ok := knownColors[name]; ok {
		return append([]int(nil), c...)
	}
	return append([]int(nil), defaultColor...)
}

// Names returns a copy of the class names.
func (t *ClassTable) Names() []string {
	return append([]string(nil), t.names...)
}

// Colors returns the colour of every configured class.
func (t *ClassTable) Colors() map[string][]int {
	colors := make(map[string][]int, len(t.names))
	for _, name := range t.names {
		colors[name] = t.Color(name)
	}
	return colors
}
