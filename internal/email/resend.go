package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"time"
)

const resendEndpoint = "https://api.resend.com/emails"

// resendClient is the concrete Sender backed by the Resend API.
type resendClient struct {
	apiKey     string
	fromAddr   string // e.g. "facturation@example.com"
	fromName   string
	baseURL    string // app URL used for the settings link
	endpoint   string
	httpClient *http.Client
}

// NewResendClient returns a Sender that delivers email via Resend.
func NewResendClient(apiKey, fromAddr, fromName, baseURL string) Sender {
	return newResendClient(apiKey, fromAddr, fromName, baseURL, resendEndpoint)
}

func newResendClient(apiKey, fromAddr, fromName, baseURL, endpoint string) *resendClient {
	return &resendClient{
		apiKey:   apiKey,
		fromAddr: fromAddr,
		fromName: fromName,
		baseURL:  baseURL,
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// ─── RESEND API SHAPES ────────────────────────────────────────────────────────

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type resendResponse struct {
	ID    string `json:"id"`
	Error *struct {
		Name       string `json:"name"`
		Message    string `json:"message"`
		StatusCode int    `json:"statusCode"`
	} `json:"error"`
}

// ─── SENDER IMPLEMENTATION ────────────────────────────────────────────────────

// SendSubscriptionChanged sends the plan-change confirmation.
func (c *resendClient) SendSubscriptionChanged(ctx context.Context, p SubscriptionChangedParams) error {
	verb := "modifié"
	if p.IsUpgrade {
		verb = "mis à niveau"
	}
	subject := fmt.Sprintf("Votre abonnement a été %s : %s", verb, p.NewPlan)

	name := p.CustomerName
	if name == "" {
		name = p.To
	}

	var buf bytes.Buffer
	if err := subscriptionChangedTmpl.Execute(&buf, subscriptionChangedView{
		Name:          name,
		OldPlan:       p.OldPlan,
		NewPlan:       p.NewPlan,
		NewPrice:      p.NewPrice,
		Verb:          verb,
		EffectiveDate: p.EffectiveDate,
		SettingsURL:   c.baseURL + "/dashboard?settings=subscription",
	}); err != nil {
		return fmt.Errorf("email: render subscription changed: %w", err)
	}

	return c.send(ctx, p.To, subject, buf.String())
}

// ─── HTTP SEND ────────────────────────────────────────────────────────────────

func (c *resendClient) send(ctx context.Context, to, subject, html string) error {
	from := fmt.Sprintf("%s <%s>", c.fromName, c.fromAddr)

	reqBody := resendRequest{
		From:    from,
		To:      []string{to},
		Subject: subject,
		HTML:    html,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("email: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("email: build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("email: http request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("email: read response: %w", err)
	}

	var parsed resendResponse
	if err := json.Unmarshal(respBytes, &parsed); err != nil {
		return fmt.Errorf("email: unmarshal response (status %d): %w", resp.StatusCode, err)
	}

	if parsed.Error != nil {
		return fmt.Errorf("email: Resend error %s: %s", parsed.Error.Name, parsed.Error.Message)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("email: unexpected status %d: %.200s", resp.StatusCode, string(respBytes))
	}

	return nil
}

// ─── HTML TEMPLATES ───────────────────────────────────────────────────────────

type subscriptionChangedView struct {
	Name          string
	OldPlan       string
	NewPlan       string
	NewPrice      string
	Verb          string
	EffectiveDate string
	SettingsURL   string
}

var subscriptionChangedTmpl = template.Must(template.New("subscription_changed").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; color: #1a1a1a; max-width: 560px; margin: 0 auto; padding: 24px;">
  <h2 style="margin-bottom: 8px;">Votre abonnement a été {{.Verb}}</h2>
  <p>Bonjour {{.Name}},</p>
  <p>Votre abonnement passe du plan <strong>{{.OldPlan}}</strong> au plan
  <strong>{{.NewPlan}}</strong> à partir du {{.EffectiveDate}}.</p>
  <p>Nouveau tarif : <strong>{{.NewPrice}}</strong>. Le prorata de la période en
  cours apparaîtra sur votre prochaine facture.</p>
  <p style="margin: 32px 0;">
    <a href="{{.SettingsURL}}"
       style="background: #0f172a; color: #ffffff; padding: 12px 24px;
              border-radius: 6px; text-decoration: none; font-weight: 600;">
      Gérer mon abonnement
    </a>
  </p>
  <hr style="border: none; border-top: 1px solid #e5e7eb; margin: 32px 0;">
  <p style="color: #9ca3af; font-size: 12px;">
    Vous recevez cet email car vous êtes le contact de facturation de votre espace.
  </p>
</body>
</html>`))
