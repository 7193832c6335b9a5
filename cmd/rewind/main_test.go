package main

import (
	"net/http"
	"testing"
	"time"

	"github.com/funnyzak/rewind/internal/capture"
	"github.com/funnyzak/rewind/internal/config"
	"github.com/funnyzak/rewind/internal/logger"
	"github.com/funnyzak/rewind/internal/recorder"
	"github.com/funnyzak/rewind/internal/storage"
)

func TestValidateAdminPathConflict(t *testing.T) {
	tests := []struct {
		server, admin string
		enable        bool
		wantErr       bool
	}{
		{server: "/", admin: "/_rewind", enable: true},
		{server: "/api", admin: "/_rewind", enable: true},
		{server: "/api", admin: "/api/_rewind", enable: true, wantErr: true},
		{server: "/api/", admin: "/api", enable: true, wantErr: true},
		{server: "/", admin: "/", enable: true, wantErr: true},
		{server: "/api", admin: "/api", enable: false},
	}
	for _, tt := range tests {
		cfg := &config.Config{
			Server: config.ServerConfig{Path: tt.server},
			Web:    config.WebConfig{Enable: tt.enable, AdminPath: tt.admin},
		}
		err := validateAdminPathConflict(cfg)
		if (err != nil) != tt.wantErr {
			t.Fatalf("server=%q admin=%q: err = %v, wantErr %v", tt.server, tt.admin, err, tt.wantErr)
		}
	}
}

func TestSelectEntries(t *testing.T) {
	rec := recorder.New(storage.NewMemory(storage.Options{MaxEntries: 10}), recorder.Options{
		Enabled: true,
		Capture: capture.Options{CaptureResponse: true},
	}, logger.Nop(), nil)
	defer rec.Close()

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	var ids []string
	for i, path := range []string{"/a", "/b", "/c"} {
		res := rec.RecordRequest(&capture.Inbound{
			Method:     http.MethodGet,
			RequestURI: path,
			Path:       path,
			Header:     http.Header{},
			At:         base.Add(time.Duration(i) * time.Second),
		})
		ids = append(ids, res.ID)
	}

	all, err := selectEntries(rec, nil)
	if err != nil {
		t.Fatalf("selectEntries() error = %v", err)
	}
	if len(all) != 3 || all[0].ID() != ids[0] || all[2].ID() != ids[2] {
		t.Fatalf("expected oldest first, got %d entries", len(all))
	}

	picked, err := selectEntries(rec, []string{ids[2], ids[0]})
	if err != nil {
		t.Fatalf("selectEntries() error = %v", err)
	}
	if picked[0].ID() != ids[2] || picked[1].ID() != ids[0] {
		t.Fatalf("explicit ids should keep their order")
	}

	if _, err := selectEntries(rec, []string{"missing"}); err == nil {
		t.Fatal("expected an error for unknown ids")
	}
}
