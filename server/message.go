package server

import (
	"encoding/json"
	"net/http"

	"github.com/golang/glog"

	"github.com/alimasry/go-block-editor/block"
)

// CreateDocumentRequest is the body of POST /documents.
type CreateDocumentRequest struct {
	Name               string                    `json:"name"`
	StyleID            string                    `json:"style_id,omitempty"`
	Public             bool                      `json:"public"`
	AccessRestrictions []block.AccessRestriction `json:"access_restrictions,omitempty"`
}

// ErrorResponse mirrors the unicast error payload of edit sessions.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Warningf("server: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, tag, detail string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{Type: tag, Detail: detail}})
}
