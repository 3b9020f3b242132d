package tools

import (
	"encoding/json"
	"fmt"
)

// CallKey is the identity of a tool invocation: the tool name joined with the
// canonical JSON of its arguments. encoding/json writes map keys in sorted
// order at every depth, so argument order never changes the key.
func CallKey(name string, args map[string]any) string {
	if len(args) == 0 {
		return name + ":{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		// Unencodable values still need a stable, distinct key.
		return name + ":" + fmt.Sprintf("%v", args)
	}
	return name + ":" + string(data)
}
