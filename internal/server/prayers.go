package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"chorus/internal/domain"
	"chorus/internal/engine"
	"chorus/internal/repo"
	"chorus/internal/wallet"
)

type prayerIDInput struct {
	ID uint64 `path:"id"`
}

type prayerOutput struct {
	Body PrayerResponse `json:"body"`
}

func registerPrayers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "post-prayer",
		Method:        http.MethodPost,
		Path:          "/prayers",
		Summary:       "Post a prayer and escrow its reward",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body PostPrayerRequest `json:"body"`
	}) (*prayerOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		category, err := domain.ParseCategory(input.Body.Category)
		if err != nil {
			return nil, handleError(engine.ErrInvalidCategory)
		}
		hash, err := domain.ParseHash(input.Body.ContentHash)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_content_hash", err.Error(), nil)
		}
		p, err := e.PostPrayer(ctx, engine.PostPrayerOptions{
			Requester:   actor,
			Category:    category,
			ContentHash: hash,
			Reward:      input.Body.Reward,
			TTLSeconds:  input.Body.TTLSeconds,
			MaxClaimers: clampClaimers(input.Body.MaxClaimers),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &prayerOutput{Body: prayerResponse(p, e.CurrentTime())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-prayers",
		Method:      http.MethodGet,
		Path:        "/prayers",
		Summary:     "List prayers, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"open,active,fulfilled,confirmed,cancelled,expired"`
		Requester string `query:"requester"`
		Claimer   string `query:"claimer"`
		Category  string `query:"category"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedPrayers `json:"body"`
	}, error) {
		now := e.CurrentTime()
		limit := normalizeLimit(input.Limit)
		filters := repo.PrayerFilters{
			Status:    input.Status,
			Now:       now.Unix(),
			Requester: input.Requester,
			Claimer:   input.Claimer,
			Limit:     limit + 1,
		}
		if input.Category != "" {
			c, err := domain.ParseCategory(input.Category)
			if err != nil {
				return nil, handleError(engine.ErrInvalidCategory)
			}
			filters.Category = &c
		}
		if input.Cursor != "" {
			cursor, err := strconv.ParseUint(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			filters.CursorID = cursor
		}
		items, err := e.Repo.ListPrayers(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedPrayers{Items: []PrayerResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, p := range items {
			resp.Items = append(resp.Items, prayerResponse(p, now))
		}
		return &struct {
			Body paginatedPrayers `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-prayer",
		Method:      http.MethodGet,
		Path:        "/prayers/{id}",
		Summary:     "Get a prayer",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *prayerIDInput) (*prayerOutput, error) {
		p, err := e.Repo.GetPrayer(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &prayerOutput{Body: prayerResponse(p, e.CurrentTime())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "answer-prayer",
		Method:      http.MethodPost,
		Path:        "/prayers/{id}/answer",
		Summary:     "Answer a claimed prayer",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   uint64              `path:"id"`
		Body AnswerPrayerRequest `json:"body"`
	}) (*prayerOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		hash, err := domain.ParseHash(input.Body.AnswerHash)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_answer_hash", err.Error(), nil)
		}
		p, err := e.AnswerPrayer(ctx, engine.AnswerPrayerOptions{
			PrayerID:   input.ID,
			Answerer:   actor,
			AnswerHash: hash,
			Payload:    input.Body.Payload,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &prayerOutput{Body: prayerResponse(p, e.CurrentTime())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-prayer",
		Method:      http.MethodPost,
		Path:        "/prayers/{id}/confirm",
		Summary:     "Confirm the answer and pay claimers",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   uint64                `path:"id"`
		Body *ConfirmPrayerRequest `json:"body" required:"false"`
	}) (*struct {
		Body ConfirmPrayerResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ConfirmPrayerOptions{PrayerID: input.ID, Requester: actor}
		if input.Body != nil {
			for _, raw := range input.Body.Payees {
				addr, err := wallet.ParseAddress(raw)
				if err != nil {
					return nil, handleError(err)
				}
				opts.Payees = append(opts.Payees, addr)
			}
		}
		p, dist, err := e.ConfirmPrayer(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfirmPrayerResponse `json:"body"`
		}{Body: confirmResponse(p, dist, e.CurrentTime())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-prayer",
		Method:      http.MethodPost,
		Path:        "/prayers/{id}/cancel",
		Summary:     "Cancel an unclaimed prayer and refund its escrow",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *prayerIDInput) (*prayerOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CancelPrayer(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &prayerOutput{Body: prayerResponse(p, e.CurrentTime())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-prayer",
		Method:      http.MethodDelete,
		Path:        "/prayers/{id}",
		Summary:     "Close a finished or expired prayer",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *prayerIDInput) (*struct {
		Body ClosePrayerResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ClosePrayer(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClosePrayerResponse `json:"body"`
		}{Body: ClosePrayerResponse{ID: res.Prayer.ID, Refunded: res.Refunded, ClaimsRemoved: res.ClaimsRemoved}}, nil
	})
}

func registerClaims(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "claim-prayer",
		Method:        http.MethodPost,
		Path:          "/prayers/{id}/claims",
		Summary:       "Claim a slot on an open prayer",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *prayerIDInput) (*struct {
		Body ClaimPrayerResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, c, err := e.ClaimPrayer(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		now := e.CurrentTime()
		return &struct {
			Body ClaimPrayerResponse `json:"body"`
		}{Body: ClaimPrayerResponse{Prayer: prayerResponse(p, now), Claim: claimResponse(c, now)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-claims",
		Method:      http.MethodGet,
		Path:        "/prayers/{id}/claims",
		Summary:     "List live claims on a prayer, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *prayerIDInput) (*struct {
		Body []ClaimResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetPrayer(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		claims, err := e.Repo.ListClaims(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		now := e.CurrentTime()
		out := make([]ClaimResponse, 0, len(claims))
		for _, c := range claims {
			out = append(out, claimResponse(c, now))
		}
		return &struct {
			Body []ClaimResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unclaim-prayer",
		Method:      http.MethodDelete,
		Path:        "/prayers/{id}/claims/{claimer}",
		Summary:     "Withdraw a claim, or evict one older than the claim timeout",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID      uint64 `path:"id"`
		Claimer string `path:"claimer"`
	}) (*prayerOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		claimer, err := wallet.ParseAddress(input.Claimer)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.UnclaimPrayer(ctx, engine.UnclaimOptions{PrayerID: input.ID, Caller: actor, Claimer: claimer})
		if err != nil {
			return nil, handleError(err)
		}
		return &prayerOutput{Body: prayerResponse(p, e.CurrentTime())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deliver-content",
		Method:      http.MethodPost,
		Path:        "/prayers/{id}/claims/{claimer}/content",
		Summary:     "Deliver encrypted task content to a claimer",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID      uint64                `path:"id"`
		Claimer string                `path:"claimer"`
		Body    DeliverContentRequest `json:"body"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		claimer, err := wallet.ParseAddress(input.Claimer)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.DeliverContent(ctx, engine.DeliverContentOptions{
			PrayerID:  input.ID,
			Requester: actor,
			Claimer:   claimer,
			Payload:   input.Body.Payload,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: claimResponse(c, e.CurrentTime())}, nil
	})
}

// clampClaimers maps out-of-range JSON values to zero so the ledger
// rejects them instead of wrapping.
func clampClaimers(n int) uint8 {
	if n < 0 || n > 255 {
		return 0
	}
	return uint8(n)
}
