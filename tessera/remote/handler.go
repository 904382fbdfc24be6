package remote

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/justapithecus/tessera/tessera"
)

// Resolver finds the array served at path.
type Resolver func(ctx context.Context, path string) (*tessera.NDArray, error)

// StoreResolver opens arrays read-only from store on every request.
func StoreResolver(store tessera.Store) Resolver {
	return func(ctx context.Context, path string) (*tessera.NDArray, error) {
		return tessera.Open(ctx, store, path, tessera.WithMode(tessera.ModeRead))
	}
}

type handler struct {
	resolve Resolver
	logger  log.Logger
}

// NewHandler serves the info, fetch and chunk endpoints for arrays found
// by resolve. A nil logger discards output.
func NewHandler(resolve Resolver, logger log.Logger) http.Handler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	h := &handler{resolve: resolve, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/info/{path...}", h.info)
	mux.HandleFunc("GET /api/fetch/{path...}", h.fetch)
	mux.HandleFunc("GET /api/chunk/{path...}", h.chunk)
	return mux
}

func (h *handler) array(w http.ResponseWriter, r *http.Request) (*tessera.NDArray, bool) {
	arr, err := h.resolve(r.Context(), r.PathValue("path"))
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return arr, true
}

func (h *handler) info(w http.ResponseWriter, r *http.Request) {
	arr, ok := h.array(w, r)
	if !ok {
		return
	}
	i := arr.Info()
	body, err := jsonAPI.Marshal(Info{
		Shape:   i.Shape,
		Chunks:  i.Chunks,
		Blocks:  i.Blocks,
		DType:   i.DType.String(),
		NBytes:  i.NBytes,
		CBytes:  i.CBytes,
		CRatio:  i.CRatio,
		CParams: i.CParams,
		VLMeta:  i.VLMeta,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (h *handler) fetch(w http.ResponseWriter, r *http.Request) {
	sel, err := tessera.ParseSelection(r.URL.Query().Get("slice_"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	arr, ok := h.array(w, r)
	if !ok {
		return
	}
	d, err := arr.GetSlice(r.Context(), sel...)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	cp := arr.SChunk().CParams()
	cp.TypeSize = arr.DType().ItemSize()
	cp.BlockSize = 0
	body, err := tessera.CompressChunk(d.Bytes(), cp)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeChunk(w, body)
}

func (h *handler) chunk(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseInt(r.URL.Query().Get("nchunk"), 10, 64)
	if err != nil {
		http.Error(w, "nchunk: "+err.Error(), http.StatusBadRequest)
		return
	}
	arr, ok := h.array(w, r)
	if !ok {
		return
	}
	if n < 0 || n >= arr.NChunks() {
		http.Error(w, "nchunk out of range", http.StatusBadRequest)
		return
	}
	body, err := arr.GetChunk(r.Context(), n)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeChunk(w, body)
}

func (h *handler) writeChunk(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	_, _ = w.Write(body)
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tessera.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, tessera.ErrOutOfBounds), errors.Is(err, tessera.ErrOutOfRange),
		errors.Is(err, tessera.ErrInvalidPath):
		status = http.StatusBadRequest
	}
	if status >= 500 {
		level.Error(h.logger).Log("msg", "request failed", "path", r.URL.Path, "err", err)
	} else {
		level.Debug(h.logger).Log("msg", "request rejected", "path", r.URL.Path, "status", status, "err", err)
	}
	http.Error(w, err.Error(), status)
}
