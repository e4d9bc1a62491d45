package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/workspace-sync/internal/document"
	"github.com/example/workspace-sync/internal/storage"
	"github.com/example/workspace-sync/internal/types"
)

type workspaceResponse struct {
	WorkspaceID types.WorkspaceID `json:"workspaceId"`
	Doc         document.Doc      `json:"doc"`
	CanEdit     *bool             `json:"canEdit,omitempty"`
}

type replaceRequest struct {
	ExpectedVersion *int64        `json:"expectedVersion"`
	Doc             *document.Doc `json:"doc"`
}

type conflictResponse struct {
	Error   string       `json:"error"`
	Current document.Doc `json:"current"`
}

type copyRequest struct {
	SnapshotPayload   string            `json:"snapshotPayload,omitempty"`
	SourceWorkspaceID types.WorkspaceID `json:"sourceWorkspaceId,omitempty"`
}

type aclRequest struct {
	Editors []types.ViewerID `json:"editors"`
	Viewers []types.ViewerID `json:"viewers"`
}

func newWorkspaceID() types.WorkspaceID {
	return types.WorkspaceID(uuid.NewString())
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) viewer(w http.ResponseWriter, r *http.Request) (types.ViewerID, bool) {
	viewer, err := s.auth.Authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return "", false
	}
	return viewer, true
}

func (s *Server) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	viewer, ok := s.viewer(w, r)
	if !ok {
		return
	}
	list, err := s.store.ListByOwner(r.Context(), viewer)
	if err != nil {
		s.internal(w, err, "list workspaces")
		return
	}
	if list == nil {
		list = []storage.WorkspaceSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspaces": list})
}

func (s *Server) createWorkspace(w http.ResponseWriter, r *http.Request) {
	viewer, ok := s.viewer(w, r)
	if !ok {
		return
	}
	id := s.newID()
	s.create(w, r, id, viewer, document.NewEmpty(id, s.clock()))
}

func (s *Server) copyWorkspace(w http.ResponseWriter, r *http.Request) {
	viewer, ok := s.viewer(w, r)
	if !ok {
		return
	}
	var req copyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	var source document.Doc
	switch {
	case req.SnapshotPayload != "":
		doc, err := DecodeSnapshotPayload(req.SnapshotPayload)
		if err != nil {
			s.logger.Debug().Err(err).Msg("rejected snapshot payload")
			writeError(w, http.StatusBadRequest, "invalid_snapshot_payload")
			return
		}
		source = doc
	case req.SourceWorkspaceID != "":
		doc, err := s.store.Get(r.Context(), req.SourceWorkspaceID)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		if err != nil {
			s.internal(w, err, "load copy source")
			return
		}
		source = doc
	default:
		writeError(w, http.StatusBadRequest, "missing_source")
		return
	}

	id := s.newID()
	s.create(w, r, id, viewer, source.Reseed(id, s.clock()))
}

func (s *Server) create(w http.ResponseWriter, r *http.Request, id types.WorkspaceID, owner types.ViewerID, doc document.Doc) {
	saved, err := s.store.Create(r.Context(), id, owner, doc)
	if errors.Is(err, storage.ErrAlreadyExists) {
		writeError(w, http.StatusConflict, "already_exists")
		return
	}
	if err != nil {
		s.internal(w, err, "create workspace")
		return
	}
	s.logger.Info().Str("workspace", string(id)).Str("owner", string(owner)).Msg("workspace created")
	s.archive(r.Context(), id)
	writeJSON(w, http.StatusCreated, workspaceResponse{WorkspaceID: id, Doc: saved})
}

func (s *Server) getWorkspace(w http.ResponseWriter, r *http.Request) {
	viewer, ok := s.viewer(w, r)
	if !ok {
		return
	}
	id := types.WorkspaceID(mux.Vars(r)["id"])
	doc, err := s.store.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		s.internal(w, err, "get workspace")
		return
	}

	canEdit := false
	acl, err := s.store.ACL(r.Context(), id)
	switch {
	case err == nil:
		canEdit = acl.CanEdit(viewer)
	case !errors.Is(err, storage.ErrNotFound):
		s.internal(w, err, "load acl")
		return
	}
	writeJSON(w, http.StatusOK, workspaceResponse{WorkspaceID: id, Doc: doc, CanEdit: &canEdit})
}

func (s *Server) replaceWorkspace(w http.ResponseWriter, r *http.Request) {
	viewer, ok := s.viewer(w, r)
	if !ok {
		return
	}
	id := types.WorkspaceID(mux.Vars(r)["id"])

	var req replaceRequest
	if err := decodeBody(w, r, &req); err != nil || req.ExpectedVersion == nil || req.Doc == nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if *req.ExpectedVersion < 0 {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if err := document.ValidateDoc(*req.Doc); err != nil {
		s.logger.Debug().Err(err).Str("workspace", string(id)).Msg("rejected document")
		writeError(w, http.StatusBadRequest, "invalid_doc")
		return
	}
	if req.Doc.WorkspaceID != id {
		writeError(w, http.StatusBadRequest, "workspace_id_mismatch")
		return
	}

	acl, err := s.store.ACL(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		s.internal(w, err, "load acl")
		return
	}
	if !acl.CanEdit(viewer) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	saved, err := s.store.Replace(r.Context(), id, *req.ExpectedVersion, *req.Doc, s.clock())
	var conflict *storage.VersionConflictError
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
		return
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, conflictResponse{Error: "version_conflict", Current: conflict.Current})
		return
	default:
		s.internal(w, err, "replace workspace")
		return
	}

	s.logger.Info().Str("workspace", string(id)).Int64("version", saved.Version).Msg("workspace replaced")
	s.archive(r.Context(), id)
	writeJSON(w, http.StatusOK, workspaceResponse{WorkspaceID: id, Doc: saved})
}

func (s *Server) updateACL(w http.ResponseWriter, r *http.Request) {
	viewer, ok := s.viewer(w, r)
	if !ok {
		return
	}
	id := types.WorkspaceID(mux.Vars(r)["id"])

	var req aclRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	acl, err := s.store.ACL(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		s.internal(w, err, "load acl")
		return
	}
	if viewer != acl.OwnerID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	acl.Editors = req.Editors
	acl.Viewers = req.Viewers
	if err := s.store.SetACL(r.Context(), acl); err != nil {
		s.internal(w, err, "update acl")
		return
	}
	updated, err := s.store.ACL(r.Context(), id)
	if err != nil {
		s.internal(w, err, "reload acl")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) internal(w http.ResponseWriter, err error, what string) {
	s.logger.Error().Err(err).Msg(what + " failed")
	writeError(w, http.StatusInternalServerError, "internal")
}
