/**
 * @description
 * This package provides a client for the card processor's REST API. It covers
 * the four capabilities checkout needs: creating a payment intent, tokenizing
 * card details into a payment method, confirming an intent, and reading an
 * intent back for reconciliation.
 *
 * @notes
 * - Requests are form encoded and authenticated with the secret key as a
 *   bearer token. Mutating calls accept an idempotency key.
 * - Amounts are integers in the currency's minor unit.
 */
package paymentgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Payment intent statuses reported by the processor.
const (
	StatusRequiresPaymentMethod = "requires_payment_method"
	StatusRequiresConfirmation  = "requires_confirmation"
	StatusRequiresAction        = "requires_action"
	StatusProcessing            = "processing"
	StatusSucceeded             = "succeeded"
	StatusCanceled              = "canceled"
)

var ErrInvalidClientSecret = errors.New("invalid payment intent client secret")

// Client is a client for the card processor API.
type Client struct {
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
}

// NewClient creates a new processor API client.
func NewClient(baseURL, secretKey string) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		SecretKey: secretKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PaymentIntent is the processor-side object representing an amount to collect.
type PaymentIntent struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	AmountReceived   int64             `json:"amount_received"`
	Currency         string            `json:"currency"`
	Status           string            `json:"status"`
	ClientSecret     string            `json:"client_secret"`
	LatestCharge     string            `json:"latest_charge"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *Error            `json:"last_payment_error"`
}

// TransactionRef is the identifier stored for audit: the charge id when the
// processor reports one, otherwise the intent id.
func (p *PaymentIntent) TransactionRef() string {
	if p.LatestCharge != "" {
		return p.LatestCharge
	}
	return p.ID
}

// ConfirmedAmount is the amount the processor actually collected.
func (p *PaymentIntent) ConfirmedAmount() int64 {
	if p.AmountReceived > 0 {
		return p.AmountReceived
	}
	return p.Amount
}

// PaymentMethod is an opaque tokenized card reference.
type PaymentMethod struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Card struct {
		Brand string `json:"brand"`
		Last4 string `json:"last4"`
	} `json:"card"`
}

// Error represents an error returned by the processor API.
type Error struct {
	HTTPStatus  int    `json:"-"`
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Param       string `json:"param"`
	Message     string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("payment gateway error: %s (%s)", e.Message, e.Type)
	}
	return fmt.Sprintf("payment gateway error: %s", e.Type)
}

// IsCardError reports whether the failure was caused by the card itself.
func (e *Error) IsCardError() bool {
	return e.Type == "card_error"
}

type errorEnvelope struct {
	Error *Error `json:"error"`
}

// CreateIntentParams describes a new payment intent.
type CreateIntentParams struct {
	Amount         int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

// CardDetails is raw card input to tokenize.
type CardDetails struct {
	Number   string
	ExpMonth int
	ExpYear  int
	CVC      string
}

// ConfirmParams confirms an intent with a tokenized payment method.
type ConfirmParams struct {
	ClientSecret    string
	PaymentMethodID string
	BillingName     string
	BillingEmail    string
	IdempotencyKey  string
}

// CreatePaymentIntent asks the processor to create an intent for amount.
func (c *Client) CreatePaymentIntent(ctx context.Context, params CreateIntentParams) (*PaymentIntent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(params.Amount, 10))
	form.Set("currency", strings.ToLower(params.Currency))
	form.Add("payment_method_types[]", "card")
	for key, value := range params.Metadata {
		form.Set("metadata["+key+"]", value)
	}

	var intent PaymentIntent
	if err := c.do(ctx, "create_intent", http.MethodPost, "/v1/payment_intents", form, params.IdempotencyKey, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// TokenizeCard converts card details into a payment method reference.
func (c *Client) TokenizeCard(ctx context.Context, card CardDetails) (*PaymentMethod, error) {
	form := url.Values{}
	form.Set("type", "card")
	form.Set("card[number]", strings.ReplaceAll(card.Number, " ", ""))
	form.Set("card[exp_month]", strconv.Itoa(card.ExpMonth))
	form.Set("card[exp_year]", strconv.Itoa(card.ExpYear))
	form.Set("card[cvc]", card.CVC)

	var method PaymentMethod
	if err := c.do(ctx, "tokenize_card", http.MethodPost, "/v1/payment_methods", form, "", &method); err != nil {
		return nil, err
	}
	return &method, nil
}

// ConfirmPayment confirms the intent identified by the client secret.
func (c *Client) ConfirmPayment(ctx context.Context, params ConfirmParams) (*PaymentIntent, error) {
	intentID, err := IntentIDFromClientSecret(params.ClientSecret)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("client_secret", params.ClientSecret)
	form.Set("payment_method", params.PaymentMethodID)
	if params.BillingEmail != "" {
		form.Set("receipt_email", params.BillingEmail)
	}
	form.Set("metadata[billing_name]", params.BillingName)
	form.Set("metadata[billing_email]", params.BillingEmail)

	var intent PaymentIntent
	path := "/v1/payment_intents/" + url.PathEscape(intentID) + "/confirm"
	if err := c.do(ctx, "confirm_intent", http.MethodPost, path, form, params.IdempotencyKey, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// GetPaymentIntent reads an intent's current state.
func (c *Client) GetPaymentIntent(ctx context.Context, intentID string) (*PaymentIntent, error) {
	var intent PaymentIntent
	if err := c.do(ctx, "get_intent", http.MethodGet, "/v1/payment_intents/"+url.PathEscape(intentID), nil, "", &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// IntentIDFromClientSecret extracts the intent id a client secret belongs to.
// Secrets have the form "<intent id>_secret_<random>".
func IntentIDFromClientSecret(secret string) (string, error) {
	idx := strings.Index(secret, "_secret_")
	if idx <= 0 || idx+len("_secret_") >= len(secret) {
		return "", ErrInvalidClientSecret
	}
	return secret[:idx], nil
}

func (c *Client) do(ctx context.Context, op, method, path string, form url.Values, idempotencyKey string, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope errorEnvelope
		if err := json.Unmarshal(bodyBytes, &envelope); err != nil || envelope.Error == nil {
			log.Printf("level=warn component=payment_gateway op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return fmt.Errorf("failed to decode %s error response (status %d)", op, resp.StatusCode)
		}
		envelope.Error.HTTPStatus = resp.StatusCode
		log.Printf("level=warn component=payment_gateway op=%s status=%d type=%q code=%q decline_code=%q", op, resp.StatusCode, envelope.Error.Type, envelope.Error.Code, envelope.Error.DeclineCode)
		return envelope.Error
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
