package ideas

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"
)

type Handler struct {
	store    *Store
	validate *validator.Validate
}

func NewHandler(store *Store) *Handler {
	v := validator.New()
	// whitespace-only titles, names and bodies count as missing
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	return &Handler{
		store:    store,
		validate: v,
	}
}

type submitRequest struct {
	Title    string `json:"title" validate:"required,notblank,max=200"`
	Body     string `json:"body" validate:"max=10000"`
	FolderID string `json:"folder_id" validate:"omitempty,len=20"`
}

type commentRequest struct {
	IdeaID string `json:"idea_id" validate:"required"`
	Author string `json:"author" validate:"required,notblank,max=80"`
	Body   string `json:"body" validate:"required,notblank,max=2000"`
}

type reactionRequest struct {
	IdeaID string `json:"idea_id" validate:"required"`
	Kind   string `json:"kind" validate:"required,oneof=like love fire idea"`
}

type folderRequest struct {
	Name string `json:"name" validate:"required,notblank,max=80"`
}

type updateRequest struct {
	Status    *Status `json:"status" validate:"omitempty,oneof=new reviewing planned done rejected"`
	FolderID  *string `json:"folder_id"`
	Published *bool   `json:"published"`
}

// RegisterRoutes mounts the public routes on router and the board routes
// behind admin.
func (h *Handler) RegisterRoutes(router *mux.Router, admin mux.MiddlewareFunc) {
	router.HandleFunc("/hub", h.hub).Methods(http.MethodGet)
	router.HandleFunc("/ideas", h.submit).Methods(http.MethodPost)
	router.HandleFunc("/ideas/{id}", h.getIdea).Methods(http.MethodGet)
	router.HandleFunc("/comments", h.comment).Methods(http.MethodPost)
	router.HandleFunc("/reactions", h.react).Methods(http.MethodPost)

	board := router.NewRoute().Subrouter()
	if admin != nil {
		board.Use(admin)
	}
	board.HandleFunc("/folders", h.listFolders).Methods(http.MethodGet)
	board.HandleFunc("/folders", h.createFolder).Methods(http.MethodPost)
	board.HandleFunc("/ideas/{id}", h.updateIdea).Methods(http.MethodPatch)
}

func (h *Handler) hub(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ideas": h.store.Hub()})
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	idea, err := h.store.Submit(strings.TrimSpace(req.Title), req.Body, req.FolderID)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("idea", idea.ID).Msg("idea submitted")
	writeJSON(w, http.StatusCreated, idea)
}

func (h *Handler) getIdea(w http.ResponseWriter, r *http.Request) {
	idea, err := h.store.Get(mux.Vars(r)["id"])
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, idea)
}

func (h *Handler) comment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	c, err := h.store.Comment(req.IdeaID, req.Author, req.Body)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) react(w http.ResponseWriter, r *http.Request) {
	var req reactionRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	counts, err := h.store.React(req.IdeaID, req.Kind)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reactions": counts})
}

func (h *Handler) listFolders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"folders": h.store.Folders()})
}

func (h *Handler) createFolder(w http.ResponseWriter, r *http.Request) {
	var req folderRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, h.store.CreateFolder(strings.TrimSpace(req.Name)))
}

func (h *Handler) updateIdea(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	idea, err := h.store.Update(mux.Vars(r)["id"], Update{
		Status:    req.Status,
		FolderID:  req.FolderID,
		Published: req.Published,
	})
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, idea)
}

func (h *Handler) decodeAndValidate(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("field %s failed %q", strings.ToLower(fe.Field()), fe.Tag())
		}
		return err
	}
	return nil
}

func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "idea or folder not found")
		return
	}
	hlog.FromRequest(r).Error().Err(err).Msg("ideas store")
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]string{"code": errCode, "message": msg},
	})
}
