package workspaceclient

import (
	"encoding/json"
	"fmt"

	"github.com/PaesslerAG/jsonpath"
)

// collectionIDPaths is the ordered list of shapes a collections_create reply
// has historically used. The client MUST try every path in this order; a
// bare string result is accepted before any path is tried, since it cannot
// match one.
var collectionIDPaths = []string{
	"$.collectionBlockId",
	"$.collections[0].id",
	"$.id",
	"$.result.id",
	"$.collection.id",
}

// extractCollectionID applies the documented extraction policy to a
// collections_create reply body. It never returns an empty id without an
// error: absence of any match is a hard ProtocolError.
func extractCollectionID(body []byte) (string, error) {
	var bare string
	if err := json.Unmarshal(body, &bare); err == nil && bare != "" {
		return bare, nil
	}

	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", &ProtocolError{Reason: "collections_create reply is not valid JSON: " + err.Error()}
	}

	for _, path := range collectionIDPaths {
		value, err := jsonpath.Get(path, decoded)
		if err != nil {
			continue
		}
		if id, ok := asNonEmptyID(value); ok {
			return id, nil
		}
	}
	return "", &ProtocolError{Reason: "collections_create reply matched none of the known id shapes"}
}

func asNonEmptyID(value interface{}) (string, bool) {
	switch v := value.(type) {
	case string:
		if v != "" {
			return v, true
		}
	case float64:
		return fmt.Sprintf("%v", v), true
	}
	return "", false
}
