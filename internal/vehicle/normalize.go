package vehicle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ProviderName identifies the upstream in provider metadata.
const ProviderName = "consultarplaca"

// envelopeSchema is recorded in provider metadata so cached records can be
// traced back to the payload layout they were parsed from.
const envelopeSchema = "dados.informacoes_veiculo.dados_veiculo"

// Field aliases in dados_veiculo, in lookup order.
var (
	brandKeys        = []string{"marca"}
	modelKeys        = []string{"modelo"}
	yearMadeKeys     = []string{"ano_fabricacao", "ano_fab"}
	yearModelKeys    = []string{"ano_modelo"}
	categoryKeys     = []string{"categoria", "segmento", "tipo_veiculo", "tipo"}
	colorKeys        = []string{"cor"}
	chassisKeys      = []string{"chassi", "chassis"}
	registrationKeys = []string{"renavam"}
	plateKeys        = []string{"placa"}
)

// envelope is the top-level upstream payload. Only status and the nested
// vehicle object are mandatory.
type envelope struct {
	Status   any `json:"status"`
	Mensagem any `json:"mensagem"`
	Dados    *struct {
		InformacoesVeiculo *struct {
			DadosVeiculo map[string]any `json:"dados_veiculo"`
		} `json:"informacoes_veiculo"`
	} `json:"dados"`
}

// Normalize parses an upstream payload for the given normalized plate and
// maps it onto a Record tagged OriginAPI. It returns a *LookupError of kind
// MalformedResponse when the envelope shape is wrong and ValidationFailed
// when required fields are missing after mapping.
func Normalize(plate string, body []byte, now time.Time) (Record, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return Record{}, NewMalformedResponse("payload is not a JSON object", err)
	}

	message := stringValue(env.Mensagem)
	if !statusOK(env.Status) {
		msg := "upstream status is not ok"
		if message != "" {
			msg = fmt.Sprintf("%s: %s", msg, message)
		}
		return Record{}, NewMalformedResponse(msg, nil)
	}
	if env.Dados == nil || env.Dados.InformacoesVeiculo == nil || env.Dados.InformacoesVeiculo.DadosVeiculo == nil {
		return Record{}, NewMalformedResponse("missing "+envelopeSchema, nil)
	}

	data := env.Dados.InformacoesVeiculo.DadosVeiculo

	brandRaw := field(data, brandKeys)
	modelRaw := field(data, modelKeys)
	if brand, model, ok := strings.Cut(brandRaw, "/"); ok && modelRaw == "" {
		// Some payload versions send "VW/GOL" in marca and omit modelo.
		brandRaw, modelRaw = brand, model
	}

	rec := Record{
		Plate:              plate,
		Brand:              CanonicalBrand(brandRaw),
		Model:              orNotInformed(modelRaw),
		YearMade:           ParseYear(field(data, yearMadeKeys), now),
		YearModel:          ParseYear(field(data, yearModelKeys), now),
		Category:           CategoryFor(field(data, categoryKeys)),
		Color:              orNotInformed(field(data, colorKeys)),
		Chassis:            orNotInformed(field(data, chassisKeys)),
		RegistrationNumber: orNotInformed(field(data, registrationKeys)),
		Origin:             OriginAPI,
		QueriedAt:          now,
		ProviderMetadata: map[string]string{
			"provider":       ProviderName,
			"schema":         envelopeSchema,
			"message":        orNotInformed(message),
			"upstream_plate": orNotInformed(field(data, plateKeys)),
		},
	}

	if missing := missingFields(rec, now); len(missing) > 0 {
		return Record{}, NewValidationFailed(missing)
	}
	return rec, nil
}

// ParseYear extracts the leading integer from raw and clamps it to
// [MinYear, MaxYear(now)]. Anything unparsable or out of range yields the
// current year.
func ParseYear(raw string, now time.Time) int {
	raw = strings.TrimSpace(raw)
	end := 0
	for end < len(raw) && raw[end] >= '0' && raw[end] <= '9' {
		end++
	}
	if end == 0 {
		return now.Year()
	}
	year, err := strconv.Atoi(raw[:end])
	if err != nil || year < MinYear || year > MaxYear(now) {
		return now.Year()
	}
	return year
}

// missingFields lists the required fields that are absent or sentinel.
func missingFields(r Record, now time.Time) []string {
	var missing []string
	if !informed(r.Plate) {
		missing = append(missing, "plate")
	}
	if !informed(r.Brand) {
		missing = append(missing, "brand")
	}
	if !informed(r.Model) {
		missing = append(missing, "model")
	}
	if r.YearMade < MinYear || r.YearMade > MaxYear(now) {
		missing = append(missing, "year_made")
	}
	if r.YearModel < MinYear || r.YearModel > MaxYear(now) {
		missing = append(missing, "year_model")
	}
	if !r.Category.Valid() {
		missing = append(missing, "category")
	}
	if !informed(r.Color) {
		missing = append(missing, "color")
	}
	return missing
}

func informed(s string) bool {
	return strings.TrimSpace(s) != "" && s != NotInformed
}

func orNotInformed(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return NotInformed
	}
	return s
}

// field returns the first non-empty value among keys, coerced to a string.
func field(data map[string]any, keys []string) string {
	for _, k := range keys {
		if v, ok := data[k]; ok {
			if s := strings.TrimSpace(stringValue(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

// stringValue coerces scalar JSON values to strings. Objects, arrays and
// null yield "".
func stringValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}

func statusOK(v any) bool {
	x, ok := v.(string)
	return ok && strings.EqualFold(strings.TrimSpace(x), "ok")
}
