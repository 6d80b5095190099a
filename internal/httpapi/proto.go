package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// maxRequestBody bounds attendance bodies in either encoding. A check-in,
// the largest, stays under 512 bytes.
const maxRequestBody = 4 << 10

const contentTypeProtobuf = "application/x-protobuf"

var protobufContentTypes = map[string]bool{
	contentTypeProtobuf:        true,
	"application/protobuf":     true,
	"application/octet-stream": true,
}

func isProtobuf(r *http.Request) bool {
	ct, _, _ := strings.Cut(r.Header.Get("Content-Type"), ";")
	return protobufContentTypes[strings.TrimSpace(ct)]
}

// wantsProtobuf answers protobuf when the request was protobuf or the
// client asked for it explicitly.
func wantsProtobuf(r *http.Request) bool {
	return isProtobuf(r) || strings.Contains(r.Header.Get("Accept"), contentTypeProtobuf)
}

// readBody decodes the request into v. Protobuf bodies are a
// google.protobuf.Struct with the same field names as the JSON form;
// both are held to the request type's fields.
func readBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return err
	}

	if isProtobuf(r) {
		var st structpb.Struct
		if err := proto.Unmarshal(body, &st); err != nil {
			return err
		}
		if body, err = st.MarshalJSON(); err != nil {
			return err
		}
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeProto(w http.ResponseWriter, status int, msg proto.Message) {
	data, err := proto.Marshal(msg)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeProtobuf)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
