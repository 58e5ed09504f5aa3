package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/alimasry/go-block-editor/block"
	"github.com/alimasry/go-block-editor/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type api struct {
	hub  *Hub
	repo store.DocumentRepository
	auth Authenticator
}

// NewHandler creates the HTTP handler with all routes.
func NewHandler(hub *Hub, repo store.DocumentRepository, auth Authenticator) http.Handler {
	a := &api{hub: hub, repo: repo, auth: auth}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	r.HandleFunc("/documents", a.listDocuments).Methods(http.MethodGet)
	r.HandleFunc("/documents", a.createDocument).Methods(http.MethodPost)
	r.HandleFunc("/documents/{documentID}", a.getDocument).Methods(http.MethodGet)
	r.HandleFunc("/documents/{documentID}", a.deleteDocument).Methods(http.MethodDelete)
	r.HandleFunc("/documents/{documentID}/restore", a.restoreDocument).Methods(http.MethodPost)
	r.HandleFunc("/documents/{documentID}/participants", a.participants).Methods(http.MethodGet)

	// Edit session endpoint.
	r.HandleFunc("/documents/{documentID}/ws", a.serveSession)

	return r
}

// authenticate writes the failure response itself and reports whether
// the request may proceed.
func (a *api) authenticate(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	id, err := a.auth.Authenticate(r)
	switch {
	case errors.Is(err, ErrInactiveUser):
		writeError(w, http.StatusForbidden, "forbidden", "inactive user")
		return id, false
	case err != nil:
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid access token")
		return id, false
	}
	return id, true
}

// access loads the live document and the caller's role on it.
func (a *api) access(w http.ResponseWriter, r *http.Request, user Identity) (*block.Document, block.Role, bool) {
	documentID := mux.Vars(r)["documentID"]
	doc, err := a.hub.editor.Document(r.Context(), documentID)
	if errors.Is(err, store.ErrDocumentNotFound) {
		writeError(w, http.StatusNotFound, "document-not-found", "document not found")
		return nil, "", false
	}
	if err != nil {
		glog.Errorf("server: load document %q: %v", documentID, err)
		writeError(w, http.StatusInternalServerError, "internal-error", "internal error")
		return nil, "", false
	}
	role, ok := doc.RoleOf(user.UserID)
	if !ok && doc.Public {
		role, ok = block.RoleReader, true
	}
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden", "access forbidden")
		return nil, "", false
	}
	return doc, role, true
}

func (a *api) serveSession(w http.ResponseWriter, r *http.Request) {
	user, ok := a.authenticate(w, r)
	if !ok {
		return
	}
	doc, role, ok := a.access(w, r, user)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("server: websocket upgrade error: %v", err)
		return
	}
	a.hub.Serve(conn, doc.ID, user, role)
}

func (a *api) createDocument(w http.ResponseWriter, r *http.Request) {
	user, ok := a.authenticate(w, r)
	if !ok {
		return
	}
	var req CreateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad-request", err.Error())
		return
	}

	doc := block.NewDocument(uuid.NewString(), user.UserID, req.Name)
	doc.StyleID = req.StyleID
	doc.Public = req.Public
	for _, ar := range req.AccessRestrictions {
		if ar.UserID == user.UserID {
			continue
		}
		if ar.Role != block.RoleReader && ar.Role != block.RoleEditor {
			writeError(w, http.StatusBadRequest, "bad-request", "unknown role "+string(ar.Role))
			return
		}
		doc.AccessRestrictions = append(doc.AccessRestrictions, ar)
	}

	if err := a.repo.Create(r.Context(), doc); err != nil {
		glog.Errorf("server: create document: %v", err)
		writeError(w, http.StatusInternalServerError, "internal-error", "internal error")
		return
	}
	glog.Infof("server: document %q created by %s", doc.ID, user.UserID)
	writeJSON(w, http.StatusCreated, doc)
}

// listDocuments returns the caller's own documents as last persisted.
func (a *api) listDocuments(w http.ResponseWriter, r *http.Request) {
	user, ok := a.authenticate(w, r)
	if !ok {
		return
	}
	docs, err := a.repo.List(r.Context(), user.UserID)
	if err != nil {
		glog.Errorf("server: list documents of %s: %v", user.UserID, err)
		writeError(w, http.StatusInternalServerError, "internal-error", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (a *api) getDocument(w http.ResponseWriter, r *http.Request) {
	user, ok := a.authenticate(w, r)
	if !ok {
		return
	}
	doc, _, ok := a.access(w, r, user)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (a *api) setDeleted(w http.ResponseWriter, r *http.Request, deleted bool) {
	user, ok := a.authenticate(w, r)
	if !ok {
		return
	}
	documentID := mux.Vars(r)["documentID"]
	doc, err := a.hub.editor.SetDeleted(r.Context(), documentID, user.UserID, deleted)
	if errors.Is(err, store.ErrDocumentNotFound) {
		writeError(w, http.StatusNotFound, "document-not-found", "document not found")
		return
	}
	if err != nil {
		glog.Errorf("server: set deleted=%v on %q: %v", deleted, documentID, err)
		writeError(w, http.StatusInternalServerError, "internal-error", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (a *api) deleteDocument(w http.ResponseWriter, r *http.Request) {
	a.setDeleted(w, r, true)
}

func (a *api) restoreDocument(w http.ResponseWriter, r *http.Request) {
	a.setDeleted(w, r, false)
}

func (a *api) participants(w http.ResponseWriter, r *http.Request) {
	user, ok := a.authenticate(w, r)
	if !ok {
		return
	}
	doc, _, ok := a.access(w, r, user)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.hub.Participants(doc.ID))
}
