// Package sheetsapi wraps Google OAuth2 client config and the Sheets API for
// the single purpose of importing trivia question sets from spreadsheets.
// Tokens are persisted via the provided TokenStore interface so they can be
// refreshed and reused by the background refresher.
package sheetsapi

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	sheets "google.golang.org/api/sheets/v4"

	"github.com/onnwee/chat-rally/config"
	"github.com/onnwee/chat-rally/trivia"
)

const provider = "google"

// defaultRange covers question, answer, reward columns.
const defaultRange = "A:C"

type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, scope string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, scope string, err error)
}

type Service struct {
	cfg   *config.Config
	db    TokenStore
	oauth *oauth2.Config
}

func New(cfg *config.Config, ts TokenStore) *Service {
	scopes := []string{"https://www.googleapis.com/auth/spreadsheets.readonly"}
	if cfg.GoogleScopes != "" {
		// allow comma or space separated
		s := strings.ReplaceAll(cfg.GoogleScopes, ",", " ")
		fields := strings.Fields(s)
		if len(fields) > 0 {
			scopes = fields
		}
	}
	oauth := &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.GoogleRedirectURI,
		Scopes:       scopes,
	}
	return &Service{cfg: cfg, db: ts, oauth: oauth}
}

func (s *Service) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (s *Service) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	_ = s.db.UpsertOAuthToken(ctx, provider, tok.AccessToken, tok.RefreshToken, tok.Expiry, strings.Join(s.oauth.Scopes, " "))
	return tok, nil
}

func (s *Service) refreshIfNeeded(ctx context.Context) (*oauth2.Token, error) {
	access, refresh, expiry, _, err := s.db.GetOAuthToken(ctx, provider)
	if err != nil {
		return nil, err
	}
	if access == "" {
		return nil, errors.New("no google token stored")
	}
	tok := &oauth2.Token{AccessToken: access, RefreshToken: refresh, Expiry: expiry}
	if time.Until(tok.Expiry) > 2*time.Minute {
		return tok, nil
	}
	ts := s.oauth.TokenSource(ctx, tok)
	newTok, err := ts.Token()
	if err != nil {
		return tok, err
	}
	_ = s.db.UpsertOAuthToken(ctx, provider, newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, strings.Join(s.oauth.Scopes, " "))
	return newTok, nil
}

func (s *Service) Client(ctx context.Context) (*sheets.Service, error) {
	tok, err := s.refreshIfNeeded(ctx)
	if err != nil {
		return nil, err
	}
	client := s.oauth.Client(ctx, tok)
	return sheets.NewService(ctx, option.WithHTTPClient(client))
}

// FetchQuestions reads a spreadsheet range (default A:C) and converts rows to
// questions. A leading header row is skipped when its first cell reads
// "question". Fully blank rows are skipped; half-filled rows are rejected.
func FetchQuestions(ctx context.Context, svc *sheets.Service, spreadsheetID, readRange string) ([]trivia.Question, error) {
	if svc == nil {
		return nil, fmt.Errorf("nil sheets service")
	}
	if spreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id required")
	}
	if readRange == "" {
		readRange = defaultRange
	}
	resp, err := svc.Spreadsheets.Values.Get(spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read spreadsheet values: %w", err)
	}

	var questions []trivia.Question
	for i, row := range resp.Values {
		cell := func(j int) string {
			if j >= len(row) || row[j] == nil {
				return ""
			}
			// Values arrive as strings unless the sheet cell is numeric.
			if s, ok := row[j].(string); ok {
				return strings.TrimSpace(s)
			}
			return strings.TrimSpace(fmt.Sprint(row[j]))
		}
		prompt, answer, reward := cell(0), cell(1), cell(2)
		if i == 0 && strings.EqualFold(prompt, "question") {
			continue
		}
		if prompt == "" && answer == "" {
			continue
		}
		if prompt == "" || answer == "" {
			return nil, fmt.Errorf("row %d: question and answer are required", i+1)
		}
		questions = append(questions, trivia.Question{Prompt: prompt, Answer: answer, Reward: reward})
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("spreadsheet range %s has no question rows", readRange)
	}
	return questions, nil
}

// ImportSet fetches questions from a spreadsheet and stores them as a named
// set with source "sheets:<id>". Returns the number of questions stored.
func ImportSet(ctx context.Context, db *sql.DB, svc *sheets.Service, spreadsheetID, readRange, setName string) (int, error) {
	questions, err := FetchQuestions(ctx, svc, spreadsheetID, readRange)
	if err != nil {
		return 0, err
	}
	if err := trivia.SaveSet(ctx, db, setName, "sheets:"+spreadsheetID, questions); err != nil {
		return 0, err
	}
	return len(questions), nil
}
