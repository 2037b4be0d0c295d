package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// PropertyLookupName is the tool name the reasoning backend invokes for
// property-record lookups.
const PropertyLookupName = "property_lookup"

// NewPropertyLookup returns a handler that queries the external property
// registry. The backend supplies {"property_id": "..."} as arguments.
func NewPropertyLookup(baseURL string) Handler {
	client := &http.Client{Timeout: 15 * time.Second}

	return func(ctx context.Context, args json.RawMessage) (string, error) {
		var params struct {
			PropertyID string `json:"property_id"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return "", pkgerrors.Wrap(err, "decode property_lookup arguments")
		}
		if params.PropertyID == "" {
			return "", pkgerrors.New("property_lookup requires property_id")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			baseURL+"?id="+url.QueryEscape(params.PropertyID), nil)
		if err != nil {
			return "", pkgerrors.Wrap(err, "build property request")
		}

		resp, err := client.Do(req)
		if err != nil {
			return "", &UserFacingError{
				Notice: "The property registry is not responding right now, please try again in a moment.",
				Err:    pkgerrors.Wrap(err, "query property registry"),
			}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return "", pkgerrors.Wrap(err, "read property response")
		}
		if resp.StatusCode != http.StatusOK {
			return "", pkgerrors.Errorf("property registry returned status %d", resp.StatusCode)
		}
		return string(body), nil
	}
}
