package handler

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/hitoshi/medhive/internal/inference"
	"github.com/hitoshi/medhive/internal/middleware"
	"github.com/hitoshi/medhive/internal/model"
)

// InferenceServiceInterface は推論ハンドラーが必要とするクライアントインターフェース。
type InferenceServiceInterface interface {
	PredictBreastCancer(ctx context.Context, features inference.Features) (*inference.Prediction, error)
	PredictPneumonia(ctx context.Context, filename string, image io.Reader) (*inference.Prediction, error)
	AnalyzeSymptoms(ctx context.Context, history []inference.ChatTurn, message string) (string, error)
	AskDataAgent(ctx context.Context, message string, file *inference.Upload) (string, error)
	CheckHealth(ctx context.Context) []inference.HealthStatus
	MaxUploadBytes() int64
}

// multipartOverhead はファイル以外のフォーム項目とヘッダーのための余裕。
const multipartOverhead = 1 << 20

// InferenceHandler は推論エンドポイントへのプロキシハンドラー。
type InferenceHandler struct {
	client InferenceServiceInterface
}

// NewInferenceHandler はInferenceHandlerを生成する。
func NewInferenceHandler(client InferenceServiceInterface) *InferenceHandler {
	return &InferenceHandler{client: client}
}

type breastCancerRequest struct {
	Features inference.Features `json:"features"`
}

type symptomsRequest struct {
	History []inference.ChatTurn `json:"history"`
	Message string               `json:"message"`
}

type replyResponse struct {
	Reply string `json:"reply"`
}

type healthResponse struct {
	Healthy   bool                     `json:"healthy"`
	Endpoints []inference.HealthStatus `json:"endpoints"`
}

// BreastCancer は30個の特徴量から乳がんの予測を行う。
// application/jsonの{"features": {...}}、またはmultipart/form-dataのfile（ヘッダー行付きCSV）を受け付ける。
// POST /api/inference/breast-cancer
func (h *InferenceHandler) BreastCancer(w http.ResponseWriter, r *http.Request) {
	var features inference.Features

	if isMultipart(r) {
		file, _, cleanup, err := h.formFile(w, r, inference.EndpointBreastCancer, "file")
		if err != nil {
			middleware.WriteError(w, err)
			return
		}
		defer cleanup()

		features, err = inference.ParseBreastCancerCSV(file)
		if err != nil {
			middleware.WriteError(w, model.NewInvalidInputError(err.Error()))
			return
		}
	} else {
		var req breastCancerRequest
		if err := decodeJSON(w, r, &req); err != nil {
			middleware.WriteError(w, err)
			return
		}
		features = req.Features
	}

	pred, err := h.client.PredictBreastCancer(r.Context(), features)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

// Pneumonia は胸部X線画像から肺炎の予測を行う。
// POST /api/inference/pneumonia (multipart/form-data: file)
func (h *InferenceHandler) Pneumonia(w http.ResponseWriter, r *http.Request) {
	file, filename, cleanup, err := h.formFile(w, r, inference.EndpointPneumonia, "file")
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	defer cleanup()

	pred, err := h.client.PredictPneumonia(r.Context(), filename, file)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

// Symptoms は会話履歴と新しいメッセージを症状分析エージェントに送る。
// POST /api/inference/symptoms
func (h *InferenceHandler) Symptoms(w http.ResponseWriter, r *http.Request) {
	var req symptomsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}
	for _, turn := range req.History {
		if turn.Role != "user" && turn.Role != "agent" {
			middleware.WriteError(w, model.NewInvalidInputError("history role must be user or agent"))
			return
		}
	}

	reply, err := h.client.AnalyzeSymptoms(r.Context(), req.History, req.Message)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, replyResponse{Reply: reply})
}

// DataAgent はデータ提供者向けのアップロードアシスタントにメッセージと任意のファイルを送る。
// POST /api/provider/agent (multipart/form-data: message, file)
func (h *InferenceHandler) DataAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.parseMultipart(w, r, inference.EndpointDataAgent); err != nil {
		middleware.WriteError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	var upload *inference.Upload
	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		upload = &inference.Upload{Filename: header.Filename, Content: file}
	case errors.Is(err, http.ErrMissingFile):
	default:
		middleware.WriteError(w, model.NewInvalidInputError("failed to read uploaded file"))
		return
	}

	reply, err := h.client.AskDataAgent(r.Context(), r.FormValue("message"), upload)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": reply})
}

// Health は全推論エンドポイントの死活状態を返す。
// GET /api/inference/health
func (h *InferenceHandler) Health(w http.ResponseWriter, r *http.Request) {
	statuses := h.client.CheckHealth(r.Context())
	healthy := true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Healthy: healthy, Endpoints: statuses})
}

// parseMultipart はアップロード上限を適用してマルチパートフォームを解析する。
func (h *InferenceHandler) parseMultipart(w http.ResponseWriter, r *http.Request, ep inference.Endpoint) error {
	if !isMultipart(r) {
		return model.NewInvalidInputError("multipart/form-data is required")
	}
	limit := h.client.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(limit); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return &inference.Error{Endpoint: ep, Status: http.StatusRequestEntityTooLarge, Message: "uploaded file is too large"}
		}
		return model.NewInvalidInputError("malformed multipart form")
	}
	return nil
}

// formFile は必須のファイル項目を取り出す。cleanupでファイルと一時ファイルを破棄する。
func (h *InferenceHandler) formFile(w http.ResponseWriter, r *http.Request, ep inference.Endpoint, field string) (multipart.File, string, func(), error) {
	if err := h.parseMultipart(w, r, ep); err != nil {
		return nil, "", nil, err
	}
	file, header, err := r.FormFile(field)
	if err != nil {
		r.MultipartForm.RemoveAll()
		return nil, "", nil, model.NewInvalidInputError(field + " is required")
	}
	cleanup := func() {
		file.Close()
		r.MultipartForm.RemoveAll()
	}
	return file, header.Filename, cleanup, nil
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && strings.EqualFold(mediaType, "multipart/form-data")
}
