package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	domain "github.com/marketplane/api/internal/domain"
	"github.com/marketplane/api/internal/platform/observability"
	"github.com/marketplane/api/internal/services"
)

const (
	// ActorTypeHeader carries the caller role resolved by the fronting proxy.
	ActorTypeHeader = "X-Actor-Type"

	defaultBodyLimit = 64 * 1024
)

var (
	errEmptyBody    = errors.New("request body is empty")
	errBodyTooLarge = errors.New("request body too large")
)

var knownActorTypes = map[domain.ActorType]struct{}{
	domain.ActorTypeCustomer: {},
	domain.ActorTypeMerchant: {},
	domain.ActorTypeAdmin:    {},
	domain.ActorTypeGateway:  {},
	domain.ActorTypeSystem:   {},
}

// actorFromRequest resolves the caller identity from the trusted proxy headers.
// A missing actor type defaults to customer; an unknown type is rejected.
func actorFromRequest(r *http.Request) (services.Actor, bool) {
	id := strings.TrimSpace(r.Header.Get(observability.ActorIDHeader))
	if id == "" {
		return services.Actor{}, false
	}

	actorType := domain.ActorTypeCustomer
	if raw := strings.ToLower(strings.TrimSpace(r.Header.Get(ActorTypeHeader))); raw != "" {
		candidate := domain.ActorType(raw)
		if _, ok := knownActorTypes[candidate]; !ok {
			return services.Actor{}, false
		}
		actorType = candidate
	}

	return services.Actor{ID: id, Type: actorType}, true
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func pointerTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func cloneStringPointer(value *string) *string {
	if value == nil {
		return nil
	}
	copy := *value
	return &copy
}

func cloneMap(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for key, value := range src {
		dst[key] = value
	}
	return dst
}

func parseFilterValues(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			result = append(result, part)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func parseTimeParam(value string) (time.Time, error) {
	return time.Parse(time.RFC3339, strings.TrimSpace(value))
}

type addressPayload struct {
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      *string `json:"state,omitempty"`
	PostalCode string  `json:"postal_code"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone,omitempty"`
}

func buildAddressPayload(addr services.Address) addressPayload {
	return addressPayload{
		Recipient:  addr.Recipient,
		Line1:      addr.Line1,
		Line2:      cloneStringPointer(addr.Line2),
		City:       addr.City,
		State:      cloneStringPointer(addr.State),
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      cloneStringPointer(addr.Phone),
	}
}

func addressFromPayload(payload addressPayload) services.Address {
	return services.Address{
		Recipient:  strings.TrimSpace(payload.Recipient),
		Line1:      strings.TrimSpace(payload.Line1),
		Line2:      payload.Line2,
		City:       strings.TrimSpace(payload.City),
		State:      payload.State,
		PostalCode: strings.TrimSpace(payload.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(payload.Country)),
		Phone:      payload.Phone,
	}
}
