package fcm

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// gcmCheckinURL and gcmRegisterURL are package-level vars so tests can override them.
var (
	gcmCheckinURL  = "https://android.clients.google.com/checkin"
	gcmRegisterURL = "https://android.clients.google.com/c2dm/register3"
)

// gcmCredentials holds the Android GCM device credentials.
type gcmCredentials struct {
	AndroidID     uint64 `json:"androidId"`
	SecurityToken uint64 `json:"securityToken"`
	InstanceID    string `json:"instanceId,omitempty"`
}

// gcmCheckin performs an Android GCM checkin. Non-zero androidID and
// securityToken make it a re-checkin of an existing device.
func gcmCheckin(ctx context.Context, httpClient *http.Client, androidID, securityToken uint64, device AndroidDeviceInfo) (uint64, uint64, error) {
	req := checkinRequest{
		AndroidID:     int64(androidID),
		SecurityToken: securityToken,
		Locale:        "en_US",
		TimeZone:      "America/New_York",
		Version:       3,
		Build:         device.build(),
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, gcmCheckinURL, bytes.NewReader(req.marshal()))
	if err != nil {
		return 0, 0, fmt.Errorf("gcm checkin: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-protobuf")

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return 0, 0, fmt.Errorf("gcm checkin: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, 0, fmt.Errorf("gcm checkin: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("gcm checkin: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var checkinResp checkinResponse
	if err := checkinResp.unmarshal(respBody); err != nil {
		return 0, 0, fmt.Errorf("gcm checkin: unmarshal response: %w", err)
	}
	if checkinResp.AndroidID == 0 || checkinResp.SecurityToken == 0 {
		return 0, 0, fmt.Errorf("gcm checkin: response carries no device credentials")
	}
	return checkinResp.AndroidID, checkinResp.SecurityToken, nil
}

// generateInstanceID returns a random 11-character hex instance ID.
func generateInstanceID() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	return hex.EncodeToString(b)[:11], nil
}

// registerForm builds the register3 form shared by registration and deletion.
func registerForm(creds gcmCredentials, senderID string, device AndroidDeviceInfo, app AppIdentity) url.Values {
	return url.Values{
		"app":     {app.Package},
		"sender":  {senderID},
		"device":  {strconv.FormatUint(creds.AndroidID, 10)},
		"cert":    {app.CertSHA1},
		"app_ver": {strconv.Itoa(app.VersionCode)},
		"gcm_ver": {strconv.Itoa(device.GMSVersion)},
		"X-scope": {"GCM"},
		"X-appid": {creds.InstanceID},
		"X-osv":   {strconv.Itoa(device.SDKVersion)},
		"X-gmsv":  {strconv.Itoa(device.GMSVersion)},
		"X-cliv":  {"fiid-" + device.IIDVersion},
	}
}

// postRegister sends a register3 request and returns the raw response body.
func postRegister(ctx context.Context, httpClient *http.Client, creds gcmCredentials, form url.Values, device AndroidDeviceInfo, app AppIdentity) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, gcmRegisterURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Authorization", fmt.Sprintf("AidLogin %d:%d", creds.AndroidID, creds.SecurityToken))
	httpReq.Header.Set("User-Agent", fmt.Sprintf("Android-GCM/1.5 (%s %s)", device.Device, device.Model))
	httpReq.Header.Set("app", app.Package)

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	body := strings.TrimSpace(string(respBody))
	if reason, found := strings.CutPrefix(body, "Error="); found {
		return "", fmt.Errorf("server error: %s", reason)
	}
	return body, nil
}

// gcmRegister obtains a token for senderID on behalf of app.
func gcmRegister(ctx context.Context, httpClient *http.Client, creds gcmCredentials, senderID string, device AndroidDeviceInfo, app AppIdentity) (string, error) {
	form := registerForm(creds, senderID, device, app)
	body, err := postRegister(ctx, httpClient, creds, form, device, app)
	if err != nil {
		return "", fmt.Errorf("gcm register: %w", err)
	}
	if token, found := strings.CutPrefix(body, "token="); found {
		return token, nil
	}
	return "", fmt.Errorf("gcm register: unexpected response: %s", body)
}

// gcmUnregister invalidates the token issued for senderID.
func gcmUnregister(ctx context.Context, httpClient *http.Client, creds gcmCredentials, senderID string, device AndroidDeviceInfo, app AppIdentity) error {
	form := registerForm(creds, senderID, device, app)
	form.Set("delete", "true")
	body, err := postRegister(ctx, httpClient, creds, form, device, app)
	if err != nil {
		return fmt.Errorf("gcm unregister: %w", err)
	}
	if strings.HasPrefix(body, "deleted=") || strings.HasPrefix(body, "token=") {
		return nil
	}
	return fmt.Errorf("gcm unregister: unexpected response: %s", body)
}
