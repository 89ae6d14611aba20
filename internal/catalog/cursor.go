package catalog

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/medhive/internal/model"
	"github.com/hitoshi/medhive/internal/repository"
)

// cursorPayload はページネーションカーソルの中身。クライアントには不透明な文字列として渡す。
type cursorPayload struct {
	Rank      *int      `json:"r,omitempty"`
	UpdatedAt time.Time `json:"u"`
	ID        string    `json:"i"`
}

func encodeCursor(p cursorPayload) string {
	data, _ := json.Marshal(p)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(s string) (*cursorPayload, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, model.NewInvalidCursorError()
	}
	var p cursorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, model.NewInvalidCursorError()
	}
	if p.UpdatedAt.IsZero() {
		return nil, model.NewInvalidCursorError()
	}
	if _, err := uuid.Parse(p.ID); err != nil {
		return nil, model.NewInvalidCursorError()
	}
	return &p, nil
}

func modelCursor(m *model.ModelEntry) string {
	rank := m.Status.Rank()
	return encodeCursor(cursorPayload{Rank: &rank, UpdatedAt: m.UpdatedAt, ID: m.ID})
}

func decodeModelCursor(s string) (*repository.ModelCursor, error) {
	p, err := decodeCursor(s)
	if err != nil {
		return nil, err
	}
	if p.Rank == nil {
		return nil, model.NewInvalidCursorError()
	}
	return &repository.ModelCursor{Rank: *p.Rank, UpdatedAt: p.UpdatedAt, ID: p.ID}, nil
}

func datasetCursor(d *model.Dataset) string {
	return encodeCursor(cursorPayload{UpdatedAt: d.UpdatedAt, ID: d.ID})
}

func decodeDatasetCursor(s string) (*repository.DatasetCursor, error) {
	p, err := decodeCursor(s)
	if err != nil {
		return nil, err
	}
	return &repository.DatasetCursor{UpdatedAt: p.UpdatedAt, ID: p.ID}, nil
}
