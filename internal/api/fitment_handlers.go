package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/fitment-scraper/internal/processreg"
	"github.com/JakeFAU/fitment-scraper/internal/scraper"
)

const fitmentTimeout = 5 * time.Second

// FitmentReader answers read-only queries over one provider's tables.
type FitmentReader interface {
	LevelValues(ctx context.Context, parent scraper.Key) ([]string, error)
	Vehicle(ctx context.Context, key scraper.Key) (scraper.VehicleIdentity, []scraper.FitmentRecord, bool, error)
}

// FitmentSource pairs a provider's level names with its reader.
type FitmentSource struct {
	Levels []string
	Reader FitmentReader
}

// FitmentHandler exposes the persisted taxonomy and fitment rows.
type FitmentHandler struct {
	sources map[string]FitmentSource
	timeout time.Duration
	logger  *zap.Logger
}

// NewFitmentHandler wires one source per provider.
func NewFitmentHandler(sources map[string]FitmentSource, logger *zap.Logger) *FitmentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	normalized := make(map[string]FitmentSource, len(sources))
	for name, src := range sources {
		normalized[processreg.Normalize(name)] = src
	}
	return &FitmentHandler{
		sources: normalized,
		timeout: fitmentTimeout,
		logger:  logger.Named("fitment"),
	}
}

// Routes mounts the handlers under /{provider}.
func (h *FitmentHandler) Routes(r chi.Router) {
	r.Route("/{provider}", func(r chi.Router) {
		r.Get("/levels", h.Levels)
		r.Get("/vehicle", h.Vehicle)
		r.Get("/{level}", h.LevelValues)
	})
}

// Levels handles GET /fitment/{provider}/levels and returns the level names
// top-down.
func (h *FitmentHandler) Levels(w http.ResponseWriter, r *http.Request) {
	name, src, ok := h.source(w, r)
	if !ok {
		return
	}
	writeSuccess(w, fmt.Sprintf("Levels of %s fetched", name), src.Levels)
}

// LevelValues handles GET /fitment/{provider}/{level}?<parent levels>. Every
// level above {level} must be given as a query parameter. Years are listed
// newest first, other levels alphabetically.
func (h *FitmentHandler) LevelValues(w http.ResponseWriter, r *http.Request) {
	_, src, ok := h.source(w, r)
	if !ok {
		return
	}
	level := strings.ToLower(chi.URLParam(r, "level"))
	depth := indexOf(src.Levels, level)
	if depth < 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown level %q", level))
		return
	}
	parent, err := keyFromQuery(r, src.Levels[:depth])
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	values, err := src.Reader.LevelValues(ctx, parent)
	if err != nil {
		h.logger.Error("list level values failed", zap.String("level", level), zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to fetch %s values", level))
		return
	}
	writeSuccess(w, fmt.Sprintf("Values of %s fetched", level), values)
}

// Vehicle handles GET /fitment/{provider}/vehicle?<every level> and returns
// the identity with its fitment rows, or 404 when the combination is unknown.
func (h *FitmentHandler) Vehicle(w http.ResponseWriter, r *http.Request) {
	_, src, ok := h.source(w, r)
	if !ok {
		return
	}
	key, err := keyFromQuery(r, src.Levels)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	identity, records, found, err := src.Reader.Vehicle(ctx, key)
	if err != nil {
		h.logger.Error("load vehicle failed", zap.String("key", key.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch vehicle info")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "Vehicle combination not found")
		return
	}
	writeSuccess(w, "Vehicle info fetched", toVehicleDTO(src.Levels, identity, records))
}

func (h *FitmentHandler) source(w http.ResponseWriter, r *http.Request) (string, FitmentSource, bool) {
	name := processreg.Normalize(chi.URLParam(r, "provider"))
	src, ok := h.sources[name]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown provider %q", name))
		return "", FitmentSource{}, false
	}
	return name, src, true
}

// keyFromQuery reads one query parameter per level. Underscores and dashes are
// interchangeable in parameter names.
func keyFromQuery(r *http.Request, levels []string) (scraper.Key, error) {
	q := r.URL.Query()
	key := make(scraper.Key, 0, len(levels))
	var missing []string
	for _, level := range levels {
		v := strings.TrimSpace(q.Get(level))
		if v == "" {
			v = strings.TrimSpace(q.Get(strings.ReplaceAll(level, "_", "-")))
		}
		if v == "" {
			missing = append(missing, level)
			continue
		}
		key = append(key, v)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing query parameters: %s", strings.Join(missing, ", "))
	}
	return key, nil
}

func indexOf(levels []string, level string) int {
	for i, l := range levels {
		if l == level {
			return i
		}
	}
	return -1
}

func toVehicleDTO(levels []string, identity scraper.VehicleIdentity, records []scraper.FitmentRecord) vehicleDTO {
	dto := vehicleDTO{
		ID:          identity.ID,
		Levels:      make(map[string]string, len(levels)),
		ExternalIDs: identity.ExternalIDs,
		Enrichment:  identity.Enrichment,
		CreatedAt:   identity.CreatedAt,
		Fitments:    make([]fitmentDTO, 0, len(records)),
	}
	for i, level := range levels {
		if i < len(identity.Key) {
			dto.Levels[level] = identity.Key[i]
		}
	}
	for _, rec := range records {
		dto.Fitments = append(dto.Fitments, fitmentDTO{
			Position: string(rec.Position),
			Category: string(rec.Category),
			Diameter: rec.Diameter,
			Width:    rec.Width,
			Offset:   rec.Offset,
			TireSize: rec.TireSize,
			Attrs:    rec.Attrs,
		})
	}
	return dto
}

type vehicleDTO struct {
	ID          int64             `json:"id"`
	Levels      map[string]string `json:"levels"`
	ExternalIDs map[string]string `json:"externalIds,omitempty"`
	Enrichment  map[string]string `json:"enrichment,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	Fitments    []fitmentDTO      `json:"fitments"`
}

type fitmentDTO struct {
	Position string               `json:"position"`
	Category string               `json:"category,omitempty"`
	Diameter scraper.FitmentRange `json:"diameter"`
	Width    scraper.FitmentRange `json:"width"`
	Offset   scraper.FitmentRange `json:"offset"`
	TireSize string               `json:"tireSize,omitempty"`
	Attrs    map[string]string    `json:"attrs,omitempty"`
}
