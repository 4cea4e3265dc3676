package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mmdatafocus/retail_pos/possync"
	"github.com/shopspring/decimal"
)

func TestHTTPUpstreamPushSales(t *testing.T) {
	var gotKey, gotPath string
	var gotReq possync.PushRequest[possync.SalePayload]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-device-key")
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(possync.PushResponse{
			RunId:   9,
			Status:  "success",
			Results: []possync.PushItemResult{{ClientId: "sale_1", ServerId: 42, Status: possync.ItemStatusCreated}},
		})
	}))
	defer srv.Close()

	up, err := NewHTTPUpstream(srv.URL+"/api/pos/sync/", "key-a", 6000)
	if err != nil {
		t.Fatalf("NewHTTPUpstream: %v", err)
	}
	resp, err := up.PushSales(context.Background(), possync.PushRequest[possync.SalePayload]{
		IdempotencyKey: "sale-abc",
		Items:          []possync.SalePayload{{ClientId: "sale_1", TotalAmount: decimal.NewFromInt(5)}},
	})
	if err != nil {
		t.Fatalf("PushSales: %v", err)
	}
	if gotKey != "key-a" || gotPath != "/api/pos/sync/sales" {
		t.Fatalf("request key=%q path=%q", gotKey, gotPath)
	}
	if gotReq.IdempotencyKey != "sale-abc" || len(gotReq.Items) != 1 {
		t.Fatalf("request body = %+v", gotReq)
	}
	if res, ok := resp.ResultFor("sale_1"); !ok || res.ServerId != 42 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestHTTPUpstreamListProductsQuery(t *testing.T) {
	since := time.Date(2026, 3, 1, 9, 0, 0, 123, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		got, err := time.Parse(time.RFC3339Nano, q.Get("updated_since"))
		if err != nil || !got.Equal(since) {
			t.Errorf("updated_since = %q", q.Get("updated_since"))
		}
		if q.Get("after_id") != "7" || q.Get("limit") != "50" {
			t.Errorf("query = %v", q)
		}
		_ = json.NewEncoder(w).Encode(possync.ProductListResponse{Items: []possync.ServerProduct{{Id: 8, Name: "Tea"}}})
	}))
	defer srv.Close()

	up, err := NewHTTPUpstream(srv.URL, "key-a", 6000)
	if err != nil {
		t.Fatalf("NewHTTPUpstream: %v", err)
	}
	resp, err := up.ListProducts(context.Background(), since, 7, 50)
	if err != nil {
		t.Fatalf("ListProducts: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].Id != 8 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestHTTPUpstreamStatusErrors(t *testing.T) {
	tests := []struct {
		code      int
		retryable bool
	}{
		{code: http.StatusConflict, retryable: true},
		{code: http.StatusTooManyRequests, retryable: true},
		{code: http.StatusBadGateway, retryable: true},
		{code: http.StatusBadRequest, retryable: false},
		{code: http.StatusUnauthorized, retryable: false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.code)
			}))
			defer srv.Close()

			up, err := NewHTTPUpstream(srv.URL, "key-a", 6000)
			if err != nil {
				t.Fatalf("NewHTTPUpstream: %v", err)
			}
			err = up.Ping(context.Background())
			var se *StatusError
			if !errors.As(err, &se) || se.Code != tt.code {
				t.Fatalf("err = %v", err)
			}
			if IsRetryable(err) != tt.retryable {
				t.Fatalf("retryable = %v, want %v", IsRetryable(err), tt.retryable)
			}
		})
	}
}

func TestNewHTTPUpstreamRequiresConfig(t *testing.T) {
	if _, err := NewHTTPUpstream("", "key", 10); err == nil {
		t.Fatalf("expected error for empty base url")
	}
	if _, err := NewHTTPUpstream("http://localhost", " ", 10); err == nil {
		t.Fatalf("expected error for empty device key")
	}
}
