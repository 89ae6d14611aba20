package inference

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// FeatureNames は乳がん予測モデルが受け付ける30個の特徴量名。
var FeatureNames = []string{
	"radius_mean", "texture_mean", "perimeter_mean", "area_mean", "smoothness_mean",
	"compactness_mean", "concavity_mean", "concave_points_mean", "symmetry_mean", "fractal_dimension_mean",
	"radius_se", "texture_se", "perimeter_se", "area_se", "smoothness_se",
	"compactness_se", "concavity_se", "concave_points_se", "symmetry_se", "fractal_dimension_se",
	"radius_worst", "texture_worst", "perimeter_worst", "area_worst", "smoothness_worst",
	"compactness_worst", "concavity_worst", "concave_points_worst", "symmetry_worst", "fractal_dimension_worst",
}

var featureSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(FeatureNames))
	for _, n := range FeatureNames {
		m[n] = struct{}{}
	}
	return m
}()

// Features は特徴量名から値へのマップ。
type Features map[string]float64

// Validate は30個の特徴量がすべて有限値で揃っており、未知の名前を含まないことを確認する。
func (f Features) Validate() error {
	for name, v := range f {
		if _, ok := featureSet[name]; !ok {
			return fmt.Errorf("unknown feature %q", name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("feature %q must be a finite number", name)
		}
	}
	var missing []string
	for _, name := range FeatureNames {
		if _, ok := f[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing features: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ErrEmptyCSV はヘッダー行とデータ行が揃っていないCSVを表す。
var ErrEmptyCSV = errors.New("CSV file is empty")

// normalizeHeader はCSVの列名を特徴量名の形式に揃える。
func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.ReplaceAll(h, `"`, "")
	return strings.Join(strings.Fields(h), "_")
}

// ParseBreastCancerCSV はヘッダー行付きCSVの1行目のデータを特徴量として読み込む。
// 特徴量名に一致しない列は無視する。
func ParseBreastCancerCSV(r io.Reader) (Features, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyCSV
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	row, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyCSV
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV row: %w", err)
	}

	features := make(Features, len(FeatureNames))
	for i, h := range header {
		name := normalizeHeader(h)
		if _, ok := featureSet[name]; !ok {
			continue
		}
		if i >= len(row) {
			return nil, fmt.Errorf("column %q has no value", name)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(row[i]), 64)
		if err != nil {
			return nil, fmt.Errorf("column %q is not a number: %w", name, err)
		}
		features[name] = v
	}
	return features, nil
}
