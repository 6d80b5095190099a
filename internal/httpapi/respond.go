package httpapi

import (
	"encoding/json"
	"net/http"

	"google.golang.org/protobuf/types/known/structpb"
)

type errorBody struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeResponse(w, r, status, errorBody{OK: false, Error: code, Message: msg})
}

// writeResponse writes v as JSON, or as a protobuf Struct when the
// client speaks protobuf.
func writeResponse(w http.ResponseWriter, r *http.Request, status int, v any) {
	if wantsProtobuf(r) {
		st, err := toStruct(v)
		if err == nil {
			writeProto(w, status, st)
			return
		}
	}
	writeJSON(w, status, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}
