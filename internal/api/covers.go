package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/mappedcover/internal/cover"
)

// handleListCovers returns all configured covers, ordered by name.
func (s *Server) handleListCovers(w http.ResponseWriter, _ *http.Request) {
	engines := s.registry.List()
	covers := make([]cover.Cover, 0, len(engines))
	for _, mc := range engines {
		covers = append(covers, mc.Config())
	}
	sort.Slice(covers, func(i, j int) bool { return covers[i].Name < covers[j].Name })

	writeJSON(w, http.StatusOK, map[string]any{"covers": covers, "count": len(covers)})
}

// handleGetCover returns a single cover configuration by ID.
func (s *Server) handleGetCover(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	mc, err := s.registry.Get(id)
	if err != nil {
		writeNotFound(w, "cover not found")
		return
	}
	writeJSON(w, http.StatusOK, mc.Config())
}

// handleCreateCover creates a new mapped cover and starts its engine.
// Fields absent from the request body fall back to the configured
// mapper defaults.
func (s *Server) handleCreateCover(w http.ResponseWriter, r *http.Request) {
	c := s.defaultCover()
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.registry.Add(r.Context(), &c); err != nil {
		s.writeCoverError(w, err, "failed to create cover")
		return
	}

	writeJSON(w, http.StatusCreated, c)
}

// handleUpdateCover replaces a cover configuration and restarts its engine.
func (s *Server) handleUpdateCover(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	mc, err := s.registry.Get(id)
	if err != nil {
		writeNotFound(w, "cover not found")
		return
	}

	// Decode the partial update onto the existing configuration.
	c := mc.Config()
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	c.ID = id // ID cannot be changed

	if err := s.registry.Update(r.Context(), &c); err != nil {
		s.writeCoverError(w, err, "failed to update cover")
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// handleDeleteCover removes a cover and tears down its engine.
func (s *Server) handleDeleteCover(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.registry.Remove(r.Context(), id); err != nil {
		if errors.Is(err, cover.ErrNotFound) {
			writeNotFound(w, "cover not found")
			return
		}
		writeInternalError(w, "failed to delete cover")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleGetCoverState returns the live user-scale state of a cover.
func (s *Server) handleGetCoverState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	mc, err := s.registry.Get(id)
	if err != nil {
		writeNotFound(w, "cover not found")
		return
	}

	writeJSON(w, http.StatusOK, coverState(mc))
}

// CoverCommand represents a command submitted for a mapped cover.
// Position and tilt are user scale (0-100).
type CoverCommand struct {
	Command  string `json:"command"`
	Position *int   `json:"position,omitempty"`
	Tilt     *int   `json:"tilt,omitempty"`
}

// handleCoverCommand routes a command to the cover's convergence engine.
// This is an asynchronous operation: the engine converges in the
// background and the resulting state arrives via WebSocket and the
// retained state topic, so the response is 202 Accepted.
func (s *Server) handleCoverCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	mc, err := s.registry.Get(id)
	if err != nil {
		writeNotFound(w, "cover not found")
		return
	}

	var cmd CoverCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if cmd.Command == "" {
		writeBadRequest(w, "command field is required")
		return
	}

	if err := applyCommand(mc, cmd); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	s.logger.Info("cover command accepted",
		"cover", id,
		"command", cmd.Command,
		"position", cmd.Position,
		"tilt", cmd.Tilt,
	)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "accepted",
		"message": "command accepted, state updates will follow via WebSocket",
	})
}

// applyCommand invokes the engine entry point for a command.
func applyCommand(mc *cover.MappedCover, cmd CoverCommand) error {
	switch cmd.Command {
	case "set_position":
		if cmd.Position == nil {
			return errors.New("set_position requires a position")
		}
		mc.SetPosition(*cmd.Position)
	case "set_tilt":
		if cmd.Tilt == nil {
			return errors.New("set_tilt requires a tilt")
		}
		mc.SetTilt(*cmd.Tilt)
	case "open":
		mc.OpenCover()
	case "close":
		mc.CloseCover()
	case "open_tilt":
		mc.OpenTilt()
	case "close_tilt":
		mc.CloseTilt()
	case "stop":
		mc.Stop()
	case "stop_tilt":
		mc.StopTilt()
	default:
		return errors.New("unknown command: " + cmd.Command)
	}
	return nil
}

// coverState renders the engine's derived properties for the API.
func coverState(mc *cover.MappedCover) map[string]any {
	supports := []string{}
	if mc.SupportedFeatures().Has(cover.FeaturePosition) {
		supports = append(supports, "position")
	}
	if mc.SupportedFeatures().Has(cover.FeatureTilt) {
		supports = append(supports, "tilt")
	}

	return map[string]any{
		"id":        mc.Config().ID,
		"available": mc.IsAvailable(),
		"position":  mc.Position(),
		"tilt":      mc.Tilt(),
		"opening":   mc.IsOpening(),
		"closing":   mc.IsClosing(),
		"moving":    mc.IsMoving(),
		"closed":    mc.IsClosed(),
		"supports":  supports,
	}
}

// defaultCover seeds a cover configuration from the mapper defaults.
func (s *Server) defaultCover() cover.Cover {
	return cover.Cover{
		MinPosition:     s.mapper.MinPosition,
		MaxPosition:     s.mapper.MaxPosition,
		MinTilt:         s.mapper.MinTilt,
		MaxTilt:         s.mapper.MaxTilt,
		CloseTiltIfDown: s.mapper.CloseTiltIfDown,
		TiltDuringMove:  s.mapper.TiltDuringMove,
		ThrottleMs:      s.mapper.ThrottleMs,
	}
}

// writeCoverError maps repository errors onto HTTP responses.
func (s *Server) writeCoverError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, cover.ErrDuplicateSource):
		writeConflict(w, "source cover is already mapped")
	case errors.Is(err, cover.ErrNotFound):
		writeNotFound(w, "cover not found")
	case isValidationError(err):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	default:
		writeInternalError(w, fallback)
	}
}

// isValidationError checks whether an error is a cover validation error.
func isValidationError(err error) bool {
	return errors.Is(err, cover.ErrNameRequired) ||
		errors.Is(err, cover.ErrSourceRequired) ||
		errors.Is(err, cover.ErrRangeOutOfBounds) ||
		errors.Is(err, cover.ErrNegativeThrottle)
}
