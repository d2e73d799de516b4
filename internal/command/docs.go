package command

import (
	"sort"
)

// Doc describes one supported logical command.
type Doc struct {
	Name        string `json:"name"`
	Usage       string `json:"usage"`
	Description string `json:"description"`
}

var catalog = map[string]Doc{
	"open": {
		Name:        "open",
		Usage:       "open <id|path>",
		Description: "Load a structure by database id or file path.",
	},
	"close": {
		Name:        "close",
		Usage:       "close <spec|all>",
		Description: "Close the given models, or everything.",
	},
	"style": {
		Name:        "style",
		Usage:       "style <spec> <stick|sphere|ball>",
		Description: "Set the atomic display style.",
	},
	"cartoon": {
		Name:        "cartoon",
		Usage:       "cartoon [hide] <spec>",
		Description: "Show or hide cartoon representation.",
	},
	"color": {
		Name:        "color",
		Usage:       "color <spec> <color>",
		Description: "Color atoms, cartoons, or surfaces.",
	},
	"surface": {
		Name:        "surface",
		Usage:       "surface <spec>",
		Description: "Compute and show a molecular surface.",
	},
	"view": {
		Name:        "view",
		Usage:       "view [spec] [orient]",
		Description: "Frame the camera on the given models.",
	},
	"turn": {
		Name:        "turn",
		Usage:       "turn <axis> <angle> [frames]",
		Description: "Rotate the camera around an axis.",
	},
	"lighting": {
		Name:        "lighting",
		Usage:       "lighting <simple|soft|full>",
		Description: "Select the lighting mode.",
	},
	"set": {
		Name:        "set",
		Usage:       "set bgColor <color>",
		Description: "Set session properties such as the background color.",
	},
	"save": {
		Name:        "save",
		Usage:       "save <path> [width w] [height h] [supersample n]",
		Description: "Render the current view to an image file.",
	},
	"version": {
		Name:        "version",
		Usage:       "version",
		Description: "Report the engine version; used as the liveness probe.",
	},
}

// Docs returns the supported-command catalog sorted by name.
func Docs() []Doc {
	out := make([]Doc, 0, len(catalog))
	for _, doc := range catalog {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the doc entry for one command name.
func Lookup(name string) (Doc, bool) {
	doc, ok := catalog[name]
	return doc, ok
}
