package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"slotwatch/internal/models"
)

// Recipe keys read by JSONStrategy.
const (
	RecipeCheckURL      = "check_url"
	RecipeBookURL       = "book_url"
	RecipeCaptchaMarker = "captcha_marker"
)

const maxBody = 1 << 20

// JSONStrategy handles sites that expose JSON availability and booking
// endpoints. The check endpoint answers {"slots":[{"date","time","count"}]};
// the booking endpoint answers {"success","confirmation_ref",
// "payment_required","error"}.
type JSONStrategy struct{}

type slotsResponse struct {
	Slots []models.Slot `json:"slots"`
}

type bookingRequest struct {
	TargetID  string `json:"target_id"`
	Date      string `json:"date"`
	Time      string `json:"time,omitempty"`
	Procedure string `json:"procedure,omitempty"`
	Name      string `json:"name"`
	Reference string `json:"reference"`
}

type bookingResponse struct {
	Success         bool   `json:"success"`
	ConfirmationRef string `json:"confirmation_ref"`
	PaymentRequired bool   `json:"payment_required"`
	Error           string `json:"error"`
}

func (JSONStrategy) RunCheck(ctx context.Context, s Session, t models.Target) models.CheckResult {
	start := time.Now()
	result := func(status models.CheckStatus, msg string, slots []models.Slot) models.CheckResult {
		return models.CheckResult{Status: status, Slots: slots, ErrorMessage: msg, Latency: time.Since(start)}
	}

	hs, ok := s.(*HTTPSession)
	if !ok {
		return result(models.CheckError, fmt.Sprintf("unsupported session %T", s), nil)
	}
	checkURL := t.Recipe.GetString(RecipeCheckURL)
	if checkURL == "" {
		return result(models.CheckError, "recipe has no check_url", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, http.NoBody)
	if err != nil {
		return result(models.CheckError, err.Error(), nil)
	}
	req.Header.Set("Accept", "application/json")
	setUserAgent(req, hs)

	body, status, err := do(hs, req)
	if err != nil {
		if isTimeout(ctx, err) {
			return result(models.CheckTimeout, err.Error(), nil)
		}
		return result(models.CheckError, err.Error(), nil)
	}
	if blocked(status, body, t.Recipe.GetString(RecipeCaptchaMarker)) {
		return result(models.CheckAntiBotDetected, "anti-bot challenge (HTTP "+strconv.Itoa(status)+")", nil)
	}
	if status < 200 || status > 299 {
		return result(models.CheckError, fmt.Sprintf("unexpected status %d", status), nil)
	}

	var resp slotsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return result(models.CheckError, "decode slots: "+err.Error(), nil)
	}
	slots := resp.Slots[:0]
	for _, sl := range resp.Slots {
		if sl.Date == "" {
			continue
		}
		sl.TargetID = t.ID
		slots = append(slots, sl)
	}
	if len(slots) == 0 {
		return result(models.CheckNoSlots, "", nil)
	}
	return result(models.CheckSlotsFound, "", slots)
}

func (JSONStrategy) RunBooking(ctx context.Context, s Session, t models.Target, slot models.Slot, c models.Client) models.BookingResult {
	fail := func(msg string) models.BookingResult {
		return models.BookingResult{Success: false, Error: msg}
	}

	hs, ok := s.(*HTTPSession)
	if !ok {
		return fail(fmt.Sprintf("unsupported session %T", s))
	}
	bookURL := t.Recipe.GetString(RecipeBookURL)
	if bookURL == "" {
		return fail("recipe has no book_url")
	}

	payload, err := json.Marshal(bookingRequest{
		TargetID:  t.ID,
		Date:      slot.Date,
		Time:      slot.Time,
		Procedure: c.Procedure,
		Name:      c.Name,
		Reference: strconv.FormatInt(c.ID, 10),
	})
	if err != nil {
		return fail(err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bookURL, bytes.NewReader(payload))
	if err != nil {
		return fail(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	setUserAgent(req, hs)

	body, status, err := do(hs, req)
	if err != nil {
		return fail(err.Error())
	}
	if blocked(status, body, t.Recipe.GetString(RecipeCaptchaMarker)) {
		return fail("anti-bot challenge during booking")
	}
	if status < 200 || status > 299 {
		return fail(fmt.Sprintf("unexpected status %d", status))
	}

	var resp bookingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fail("decode booking response: " + err.Error())
	}
	return models.BookingResult{
		Success:         resp.Success,
		ConfirmationRef: resp.ConfirmationRef,
		PaymentRequired: resp.PaymentRequired,
		Error:           resp.Error,
	}
}

func setUserAgent(req *http.Request, hs *HTTPSession) {
	if hs.UserAgent != "" {
		req.Header.Set("User-Agent", hs.UserAgent)
	}
}

func do(hs *HTTPSession, req *http.Request) ([]byte, int, error) {
	resp, err := hs.Client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

func blocked(status int, body []byte, marker string) bool {
	if status == http.StatusTooManyRequests || status == http.StatusForbidden {
		return true
	}
	return marker != "" && bytes.Contains(bytes.ToLower(body), []byte(strings.ToLower(marker)))
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
