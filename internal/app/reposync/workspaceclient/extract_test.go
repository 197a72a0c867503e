package workspaceclient

import "testing"

func TestExtractCollectionID_AllDocumentedShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"collectionBlockId", `{"collectionBlockId":"blk_1"}`, "blk_1"},
		{"collections array", `{"collections":[{"id":"col_2"}]}`, "col_2"},
		{"bare id", `{"id":"col_3"}`, "col_3"},
		{"result.id", `{"result":{"id":"col_4"}}`, "col_4"},
		{"collection.id", `{"collection":{"id":"col_5"}}`, "col_5"},
		{"bare string", `"col_6"`, "col_6"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := extractCollectionID([]byte(tc.body))
			if err != nil {
				t.Fatalf("extract: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestExtractCollectionID_NoMatchIsProtocolError(t *testing.T) {
	_, err := extractCollectionID([]byte(`{"unexpected":"shape"}`))
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}
