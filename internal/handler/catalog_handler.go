package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/medhive/internal/catalog"
	"github.com/hitoshi/medhive/internal/middleware"
	"github.com/hitoshi/medhive/internal/model"
)

// CatalogServiceInterface はモデル・データセット管理ハンドラーが必要とするサービスインターフェース。
type CatalogServiceInterface interface {
	ListModels(ctx context.Context, f catalog.ModelFilter) (*catalog.ModelPage, error)
	ApproveModel(ctx context.Context, adminID, id string) (*model.ModelEntry, error)
	RetrainModel(ctx context.Context, id string) (*model.ModelEntry, error)
	ListDatasets(ctx context.Context, f catalog.DatasetFilter) (*catalog.DatasetPage, error)
	ApproveDataset(ctx context.Context, adminID, id string) (*model.Dataset, error)
	RejectDataset(ctx context.Context, adminID, id string) (*model.Dataset, error)
	SubmitDataset(ctx context.Context, providerID string, in catalog.DatasetSubmission) (*model.Dataset, error)
}

type submitDatasetRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	DataType    string          `json:"data_type"`
	SizeBytes   int64           `json:"size_bytes"`
	NumSamples  int64           `json:"num_samples"`
	Metadata    json.RawMessage `json:"metadata"`
}

// CatalogHandler は管理者とデータ提供者向けのカタログAPIハンドラー。
type CatalogHandler struct {
	service CatalogServiceInterface
}

// NewCatalogHandler はCatalogHandlerを生成する。
func NewCatalogHandler(service CatalogServiceInterface) *CatalogHandler {
	return &CatalogHandler{service: service}
}

// ListModels はモデル一覧を返す。学習中、再学習待ち、その他の順に並ぶ。
// GET /api/admin/models?status=&cursor=&limit=
func (h *CatalogHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	q := r.URL.Query()
	page, err := h.service.ListModels(r.Context(), catalog.ModelFilter{
		Status: q.Get("status"),
		Cursor: q.Get("cursor"),
		Limit:  limit,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	items := make([]modelResponse, len(page.Models))
	for i, m := range page.Models {
		items[i] = toModelResponse(m)
	}
	writeJSON(w, http.StatusOK, pageResponse[modelResponse]{
		Items:      items,
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	})
}

// ApproveModel は学習済みモデルを承認する。
// POST /api/admin/models/{id}/approve
func (h *CatalogHandler) ApproveModel(w http.ResponseWriter, r *http.Request) {
	adminID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	m, err := h.service.ApproveModel(r.Context(), adminID, chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toModelResponse(m))
}

// RetrainModel は学習済みモデルを再学習待ちに戻す。
// POST /api/admin/models/{id}/retrain
func (h *CatalogHandler) RetrainModel(w http.ResponseWriter, r *http.Request) {
	m, err := h.service.RetrainModel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toModelResponse(m))
}

// ListDatasets は全データ提供者のデータセット一覧を返す。
// GET /api/admin/datasets?status=&provider_id=&cursor=&limit=
func (h *CatalogHandler) ListDatasets(w http.ResponseWriter, r *http.Request) {
	h.listDatasets(w, r, r.URL.Query().Get("provider_id"))
}

// ListOwnDatasets はログイン中のデータ提供者自身のデータセット一覧を返す。
// GET /api/provider/datasets?status=&cursor=&limit=
func (h *CatalogHandler) ListOwnDatasets(w http.ResponseWriter, r *http.Request) {
	providerID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	h.listDatasets(w, r, providerID)
}

// SubmitDataset はログイン中のデータ提供者のデータセットを審査待ちとして登録する。
// POST /api/provider/datasets
func (h *CatalogHandler) SubmitDataset(w http.ResponseWriter, r *http.Request) {
	providerID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req submitDatasetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	d, err := h.service.SubmitDataset(r.Context(), providerID, catalog.DatasetSubmission{
		Name:        req.Name,
		Description: req.Description,
		DataType:    req.DataType,
		SizeBytes:   req.SizeBytes,
		NumSamples:  req.NumSamples,
		Metadata:    req.Metadata,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDatasetResponse(d))
}

// ApproveDataset は審査待ちのデータセットを承認する。
// POST /api/admin/datasets/{id}/approve
func (h *CatalogHandler) ApproveDataset(w http.ResponseWriter, r *http.Request) {
	h.reviewDataset(w, r, h.service.ApproveDataset)
}

// RejectDataset は審査待ちのデータセットを却下する。
// POST /api/admin/datasets/{id}/reject
func (h *CatalogHandler) RejectDataset(w http.ResponseWriter, r *http.Request) {
	h.reviewDataset(w, r, h.service.RejectDataset)
}

func (h *CatalogHandler) listDatasets(w http.ResponseWriter, r *http.Request, providerID string) {
	limit, err := parseLimit(r)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	q := r.URL.Query()
	page, err := h.service.ListDatasets(r.Context(), catalog.DatasetFilter{
		Status:     q.Get("status"),
		ProviderID: providerID,
		Cursor:     q.Get("cursor"),
		Limit:      limit,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	items := make([]datasetResponse, len(page.Datasets))
	for i, d := range page.Datasets {
		items[i] = toDatasetResponse(d)
	}
	writeJSON(w, http.StatusOK, pageResponse[datasetResponse]{
		Items:      items,
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	})
}

func (h *CatalogHandler) reviewDataset(w http.ResponseWriter, r *http.Request,
	review func(ctx context.Context, adminID, id string) (*model.Dataset, error)) {
	adminID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	d, err := review(r.Context(), adminID, chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDatasetResponse(d))
}

// parseLimit はlimitクエリパラメータを解析する。未指定の場合は0（既定値）を返す。
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, model.NewInvalidInputError("limit must be a non-negative integer")
	}
	return n, nil
}
