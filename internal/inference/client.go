// Package inference は外部でホストされている推論エンドポイントのクライアントを提供する。
// 1回の呼び出しにつき1リクエストを送信し、再試行やストリーミングは行わない。
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/hitoshi/medhive/internal/metrics"
)

// Endpoint は推論エンドポイントの種類。
type Endpoint string

const (
	EndpointBreastCancer Endpoint = "breast_cancer"
	EndpointPneumonia    Endpoint = "pneumonia"
	EndpointSymptoms     Endpoint = "symptoms"
	EndpointDataAgent    Endpoint = "data_agent"
)

// defaultMaxUpload はアップロードファイルの既定の上限（10MiB）。
const defaultMaxUpload = 10 << 20

// Sanitizer はエージェントの応答に含まれるHTMLを無害化する。
type Sanitizer interface {
	Sanitize(rawHTML string) string
}

// Config は推論クライアントの設定。空のURLのエンドポイントは未設定として扱う。
type Config struct {
	BreastCancerURL string
	PneumoniaURL    string
	SymptomsURL     string
	DataAgentURL    string
	MaxUploadBytes  int64
	HTTPClient      *http.Client
	Logger          *slog.Logger
	Metrics         metrics.MetricsCollector
	Sanitizer       Sanitizer
}

// Client は推論エンドポイントのクライアント。
type Client struct {
	baseURLs   map[Endpoint]string
	maxUpload  int64
	httpClient *http.Client
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	sanitizer  Sanitizer
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUpload
	}
	urls := make(map[Endpoint]string)
	for ep, u := range map[Endpoint]string{
		EndpointBreastCancer: cfg.BreastCancerURL,
		EndpointPneumonia:    cfg.PneumoniaURL,
		EndpointSymptoms:     cfg.SymptomsURL,
		EndpointDataAgent:    cfg.DataAgentURL,
	} {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			urls[ep] = u
		}
	}
	return &Client{
		baseURLs:   urls,
		maxUpload:  cfg.MaxUploadBytes,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		sanitizer:  cfg.Sanitizer,
	}
}

// MaxUploadBytes はアップロードファイルの上限バイト数を返す。
func (c *Client) MaxUploadBytes() int64 {
	return c.maxUpload
}

// Prediction は画像・表データ分類モデルの予測結果。
type Prediction struct {
	Prediction  int     `json:"prediction"`
	Diagnosis   string  `json:"diagnosis"`
	Probability float64 `json:"probability"`
	Timestamp   float64 `json:"timestamp"`
}

// ChatTurn は症状分析チャットの1発言。Roleは"user"または"agent"。
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Upload はマルチパートで送信するファイル。
type Upload struct {
	Filename string
	Content  io.Reader
}

// PredictBreastCancer は30個の特徴量から乳がんの予測を行う。
func (c *Client) PredictBreastCancer(ctx context.Context, features Features) (*Prediction, error) {
	if err := features.Validate(); err != nil {
		return nil, &Error{Endpoint: EndpointBreastCancer, Status: http.StatusBadRequest, Message: err.Error()}
	}
	body, err := json.Marshal(features)
	if err != nil {
		return nil, fmt.Errorf("failed to encode features: %w", err)
	}

	var pred Prediction
	if err := c.call(ctx, EndpointBreastCancer, "/api/v1/predict", "application/json", bytes.NewReader(body), &pred); err != nil {
		return nil, err
	}
	if err := checkProbability(EndpointBreastCancer, pred.Probability); err != nil {
		return nil, err
	}
	return &pred, nil
}

// PredictPneumonia は胸部X線画像から肺炎の予測を行う。画像はフィールド"file"で送信する。
func (c *Client) PredictPneumonia(ctx context.Context, filename string, image io.Reader) (*Prediction, error) {
	data, err := c.readUpload(EndpointPneumonia, image)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &Error{Endpoint: EndpointPneumonia, Status: http.StatusBadRequest, Message: "image file is required"}
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := writeFilePart(mw, filename, data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	var pred Prediction
	if err := c.call(ctx, EndpointPneumonia, "/api/v1/predict", mw.FormDataContentType(), &buf, &pred); err != nil {
		return nil, err
	}
	if err := checkProbability(EndpointPneumonia, pred.Probability); err != nil {
		return nil, err
	}
	return &pred, nil
}

// AnalyzeSymptoms は会話履歴と新しい発言を症状分析エージェントに送り、応答を返す。
// 履歴は{"user": ...}または{"agent": ...}の配列として送信する。
func (c *Client) AnalyzeSymptoms(ctx context.Context, history []ChatTurn, message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", &Error{Endpoint: EndpointSymptoms, Status: http.StatusBadRequest, Message: "message is required"}
	}

	turns := make([]map[string]string, 0, len(history)+1)
	for _, h := range history {
		role := "agent"
		if h.Role == "user" {
			role = "user"
		}
		turns = append(turns, map[string]string{role: h.Content})
	}
	turns = append(turns, map[string]string{"user": message})

	body, err := json.Marshal(map[string]any{"history": turns})
	if err != nil {
		return "", fmt.Errorf("failed to encode chat history: %w", err)
	}

	var resp struct {
		Agent string `json:"agent"`
	}
	if err := c.call(ctx, EndpointSymptoms, "/chat", "application/json", bytes.NewReader(body), &resp); err != nil {
		return "", err
	}
	return c.sanitize(resp.Agent), nil
}

// AskDataAgent はデータ提供者向けアップロード支援エージェントにメッセージと任意のファイルを送る。
func (c *Client) AskDataAgent(ctx context.Context, message string, file *Upload) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" && file == nil {
		return "", &Error{Endpoint: EndpointDataAgent, Status: http.StatusBadRequest, Message: "message or file is required"}
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if message != "" {
		if err := mw.WriteField("message", message); err != nil {
			return "", fmt.Errorf("failed to write message field: %w", err)
		}
	}
	if file != nil {
		data, err := c.readUpload(EndpointDataAgent, file.Content)
		if err != nil {
			return "", err
		}
		if err := writeFilePart(mw, file.Filename, data); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish multipart body: %w", err)
	}

	var resp struct {
		Response string `json:"response"`
	}
	if err := c.call(ctx, EndpointDataAgent, "/chat", mw.FormDataContentType(), &buf, &resp); err != nil {
		return "", err
	}
	return c.sanitize(resp.Response), nil
}

func (c *Client) sanitize(s string) string {
	if c.sanitizer == nil {
		return s
	}
	return c.sanitizer.Sanitize(s)
}

// readUpload はアップロード内容を上限付きで読み込む。
func (c *Client) readUpload(ep Endpoint, r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r, c.maxUpload+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(data)) > c.maxUpload {
		return nil, &Error{
			Endpoint: ep,
			Status:   http.StatusRequestEntityTooLarge,
			Message:  fmt.Sprintf("file exceeds the %d byte limit", c.maxUpload),
		}
	}
	return data, nil
}

// writeFilePart はContent-Typeを内容から判定してファイルパートを書き込む。
func writeFilePart(mw *multipart.Writer, filename string, data []byte) error {
	if filename == "" {
		filename = "upload"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(filename)))
	h.Set("Content-Type", http.DetectContentType(data))
	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to write file part: %w", err)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

func checkProbability(ep Endpoint, p float64) error {
	if p < 0 || p > 1 {
		return &Error{Endpoint: ep, Status: http.StatusBadGateway, Message: fmt.Sprintf("probability %v is outside [0, 1]", p)}
	}
	return nil
}

// call はPOSTリクエストを送信し、2xxの場合はレスポンスをoutにデコードする。
// 結果はエンドポイント別にメトリクスへ記録する。
func (c *Client) call(ctx context.Context, ep Endpoint, path, contentType string, body io.Reader, out any) (err error) {
	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		c.metrics.RecordInferenceRequest(string(ep), outcome)
		c.metrics.RecordInferenceLatency(string(ep), time.Since(start))
	}()

	base, ok := c.baseURLs[ep]
	if !ok {
		return &Error{Endpoint: ep, Status: http.StatusServiceUnavailable, Message: "endpoint is not configured"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("inference request failed",
			slog.String("endpoint", string(ep)),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &Error{Endpoint: ep, Message: "inference service is unreachable"}
	}
	defer resp.Body.Close()
	c.metrics.RecordUpstreamStatus(resp.StatusCode)

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Endpoint: ep, Status: resp.StatusCode, Message: "failed to read inference response"}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := errorMessage(data)
		c.logger.Warn("inference endpoint returned error status",
			slog.String("endpoint", string(ep)),
			slog.Int("http_status", resp.StatusCode),
			slog.String("message", msg),
		)
		return &Error{Endpoint: ep, Status: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Warn("inference response was not valid JSON",
			slog.String("endpoint", string(ep)),
			slog.String("error", err.Error()),
		)
		return &Error{Endpoint: ep, Status: resp.StatusCode, Message: defaultErrorMessage}
	}
	return nil
}
