// Package authority talks to the App Store Connect API on the developer's
// behalf: certificates, profiles, devices and the build registry.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/snooky23/apple-deploy-sub001/internal/domain"
	"github.com/snooky23/apple-deploy-sub001/internal/ports"
)

// Client is an HTTP implementation of the signing authority and build
// registry contracts.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  *TokenSource
	logger  *slog.Logger
}

var _ ports.SigningAuthority = (*Client)(nil)

// NewClient returns a Connect API client.
func NewClient(baseURL string, tokens *TokenSource, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		tokens:  tokens,
		logger:  logger,
	}
}

type resource struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Attributes json.RawMessage `json:"attributes"`
}

type listResponse struct {
	Data []resource `json:"data"`
}

type singleResponse struct {
	Data resource `json:"data"`
}

type certificateAttributes struct {
	Name            string    `json:"name"`
	CertificateType string    `json:"certificateType"`
	ExpirationDate  time.Time `json:"expirationDate"`
}

type profileAttributes struct {
	Name           string    `json:"name"`
	ProfileType    string    `json:"profileType"`
	BundleID       string    `json:"bundleId"`
	UUID           string    `json:"uuid"`
	ExpirationDate time.Time `json:"expirationDate"`
	Certificates   []string  `json:"certificateIds"`
	Devices        []string  `json:"deviceIds"`
}

type buildAttributes struct {
	Version         string `json:"version"`
	ProcessingState string `json:"processingState"`
}

// ListCertificates returns the team's certificates of the given type.
func (c *Client) ListCertificates(ctx context.Context, teamID string, certType domain.CertificateType) ([]domain.Certificate, error) {
	query := url.Values{}
	query.Set("filter[certificateType]", connectCertType(certType))
	var payload listResponse
	if err := c.do(ctx, http.MethodGet, "/certificates", query, nil, &payload); err != nil {
		return nil, err
	}
	certs := make([]domain.Certificate, 0, len(payload.Data))
	for _, item := range payload.Data {
		var attrs certificateAttributes
		if err := json.Unmarshal(item.Attributes, &attrs); err != nil {
			return nil, fmt.Errorf("decode certificate %s: %w", item.ID, err)
		}
		certs = append(certs, domain.Certificate{
			ID:        item.ID,
			Name:      attrs.Name,
			Type:      certType,
			TeamID:    teamID,
			ExpiresAt: attrs.ExpirationDate,
		})
	}
	return certs, nil
}

// CreateCertificate mints a new certificate of the given type.
func (c *Client) CreateCertificate(ctx context.Context, teamID string, certType domain.CertificateType) (domain.Certificate, error) {
	body := map[string]any{
		"data": map[string]any{
			"type": "certificates",
			"attributes": map[string]any{
				"certificateType": connectCertType(certType),
			},
		},
	}
	var payload singleResponse
	if err := c.do(ctx, http.MethodPost, "/certificates", nil, body, &payload); err != nil {
		return domain.Certificate{}, err
	}
	var attrs certificateAttributes
	if err := json.Unmarshal(payload.Data.Attributes, &attrs); err != nil {
		return domain.Certificate{}, fmt.Errorf("decode created certificate: %w", err)
	}
	return domain.Certificate{
		ID:        payload.Data.ID,
		Name:      attrs.Name,
		Type:      certType,
		TeamID:    teamID,
		ExpiresAt: attrs.ExpirationDate,
	}, nil
}

// RevokeCertificate permanently revokes a certificate.
func (c *Client) RevokeCertificate(ctx context.Context, certID string) error {
	return c.do(ctx, http.MethodDelete, "/certificates/"+url.PathEscape(certID), nil, nil, nil)
}

// ListProfiles returns every provisioning profile visible to the team.
func (c *Client) ListProfiles(ctx context.Context, teamID string) ([]domain.ProvisioningProfile, error) {
	var payload listResponse
	if err := c.do(ctx, http.MethodGet, "/profiles", nil, nil, &payload); err != nil {
		return nil, err
	}
	out := make([]domain.ProvisioningProfile, 0, len(payload.Data))
	for _, item := range payload.Data {
		var attrs profileAttributes
		if err := json.Unmarshal(item.Attributes, &attrs); err != nil {
			return nil, fmt.Errorf("decode profile %s: %w", item.ID, err)
		}
		out = append(out, domain.ProvisioningProfile{
			ID:             attrs.UUID,
			Name:           attrs.Name,
			Type:           domainProfileType(attrs.ProfileType),
			AppID:          attrs.BundleID,
			TeamID:         teamID,
			ExpiresAt:      attrs.ExpirationDate,
			CertificateIDs: attrs.Certificates,
			DeviceIDs:      attrs.Devices,
		})
	}
	return out, nil
}

// CreateProfile registers a new provisioning profile.
func (c *Client) CreateProfile(ctx context.Context, appID string, certIDs []string, teamID string, profType domain.ProfileType, deviceIDs []string) (domain.ProvisioningProfile, error) {
	certRefs := make([]map[string]string, 0, len(certIDs))
	for _, id := range certIDs {
		certRefs = append(certRefs, map[string]string{"type": "certificates", "id": id})
	}
	relationships := map[string]any{
		"certificates": map[string]any{"data": certRefs},
	}
	if profType.RequiresDevices() {
		deviceRefs := make([]map[string]string, 0, len(deviceIDs))
		for _, id := range deviceIDs {
			deviceRefs = append(deviceRefs, map[string]string{"type": "devices", "id": id})
		}
		relationships["devices"] = map[string]any{"data": deviceRefs}
	}
	body := map[string]any{
		"data": map[string]any{
			"type": "profiles",
			"attributes": map[string]any{
				"name":        fmt.Sprintf("%s %s", appID, profType),
				"profileType": connectProfileType(profType),
				"bundleId":    appID,
			},
			"relationships": relationships,
		},
	}
	var payload singleResponse
	if err := c.do(ctx, http.MethodPost, "/profiles", nil, body, &payload); err != nil {
		return domain.ProvisioningProfile{}, err
	}
	var attrs profileAttributes
	if err := json.Unmarshal(payload.Data.Attributes, &attrs); err != nil {
		return domain.ProvisioningProfile{}, fmt.Errorf("decode created profile: %w", err)
	}
	return domain.ProvisioningProfile{
		ID:             attrs.UUID,
		Name:           attrs.Name,
		Type:           profType,
		AppID:          appID,
		TeamID:         teamID,
		ExpiresAt:      attrs.ExpirationDate,
		CertificateIDs: append([]string(nil), certIDs...),
		DeviceIDs:      append([]string(nil), deviceIDs...),
	}, nil
}

// UpdateProfile replaces a profile's certificate set. The registry has no
// in-place profile update, so the replacement is created first and the
// superseded profile deleted after.
func (c *Client) UpdateProfile(ctx context.Context, profile domain.ProvisioningProfile) (domain.ProvisioningProfile, error) {
	created, err := c.CreateProfile(ctx, profile.AppID, profile.CertificateIDs, profile.TeamID, profile.Type, profile.DeviceIDs)
	if err != nil {
		return domain.ProvisioningProfile{}, err
	}
	if err := c.DeleteProfile(ctx, profile.ID); err != nil {
		c.logger.Warn("superseded profile left behind",
			"profile_id", profile.ID, "replacement_id", created.ID, "error", err)
	}
	return created, nil
}

// DeleteProfile removes a provisioning profile.
func (c *Client) DeleteProfile(ctx context.Context, profileID string) error {
	return c.do(ctx, http.MethodDelete, "/profiles/"+url.PathEscape(profileID), nil, nil, nil)
}

// ListDevices returns the team's registered device identifiers.
func (c *Client) ListDevices(ctx context.Context, teamID string) ([]string, error) {
	query := url.Values{}
	query.Set("filter[status]", "ENABLED")
	var payload listResponse
	if err := c.do(ctx, http.MethodGet, "/devices", query, nil, &payload); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(payload.Data))
	for _, item := range payload.Data {
		ids = append(ids, item.ID)
	}
	return ids, nil
}

// GetProcessingState returns the platform's validation status for a build.
func (c *Client) GetProcessingState(ctx context.Context, bundleID string, buildNumber int) (ports.ProcessingState, error) {
	builds, err := c.ListRecentBuilds(ctx, bundleID, 20)
	if err != nil {
		return ports.ProcessingUnknown, err
	}
	for _, b := range builds {
		if b.BuildNumber == buildNumber {
			return b.State, nil
		}
	}
	// The registry may not have indexed a fresh upload yet.
	return ports.ProcessingInProgress, nil
}

// ListRecentBuilds returns previously uploaded builds for a bundle.
func (c *Client) ListRecentBuilds(ctx context.Context, bundleID string, limit int) ([]ports.RemoteBuild, error) {
	query := url.Values{}
	query.Set("filter[app.bundleId]", bundleID)
	query.Set("sort", "-uploadedDate")
	query.Set("limit", strconv.Itoa(limit))
	var payload listResponse
	if err := c.do(ctx, http.MethodGet, "/builds", query, nil, &payload); err != nil {
		return nil, err
	}
	builds := make([]ports.RemoteBuild, 0, len(payload.Data))
	for _, item := range payload.Data {
		var attrs buildAttributes
		if err := json.Unmarshal(item.Attributes, &attrs); err != nil {
			return nil, fmt.Errorf("decode build %s: %w", item.ID, err)
		}
		number, err := strconv.Atoi(attrs.Version)
		if err != nil {
			c.logger.Warn("skipping build with non-numeric version", "build_id", item.ID, "version", attrs.Version)
			continue
		}
		builds = append(builds, ports.RemoteBuild{
			Version:     attrs.Version,
			BuildNumber: number,
			State:       domainProcessingState(attrs.ProcessingState),
		})
	}
	return builds, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	token, err := c.tokens.Token()
	if err != nil {
		return err
	}
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("connect api %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(detail))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode connect api response: %w", err)
	}
	return nil
}

func connectCertType(t domain.CertificateType) string {
	if t == domain.CertTypeDevelopment {
		return "IOS_DEVELOPMENT"
	}
	return "IOS_DISTRIBUTION"
}

func connectProfileType(t domain.ProfileType) string {
	switch t {
	case domain.ProfileTypeDevelopment:
		return "IOS_APP_DEVELOPMENT"
	case domain.ProfileTypeAdHoc:
		return "IOS_APP_ADHOC"
	default:
		return "IOS_APP_STORE"
	}
}

func domainProfileType(raw string) domain.ProfileType {
	switch raw {
	case "IOS_APP_DEVELOPMENT":
		return domain.ProfileTypeDevelopment
	case "IOS_APP_ADHOC":
		return domain.ProfileTypeAdHoc
	default:
		return domain.ProfileTypeAppStore
	}
}

func domainProcessingState(raw string) ports.ProcessingState {
	switch raw {
	case "PROCESSING":
		return ports.ProcessingInProgress
	case "VALID":
		return ports.ProcessingValid
	case "FAILED", "INVALID":
		return ports.ProcessingInvalid
	default:
		return ports.ProcessingUnknown
	}
}
