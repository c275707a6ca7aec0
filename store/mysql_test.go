package store

import (
	"strings"
	"testing"

	"github.com/go-sql-driver/mysql"
)

func TestMySQLDSN(t *testing.T) {
	tests := []struct {
		name     string
		dsn      string
		wantDB   string
		wantAddr string
		contains []string
	}{
		{
			name:     "plain",
			dsn:      "bifrost:secret@tcp(db:3306)/bifrost",
			wantDB:   "bifrost",
			wantAddr: "db:3306",
			contains: []string{"parseTime=true"},
		},
		{
			name:     "existing params",
			dsn:      "bifrost:secret@tcp(db:3306)/bifrost?charset=utf8mb4&timeout=5s",
			wantDB:   "bifrost",
			wantAddr: "db:3306",
			contains: []string{"parseTime=true", "charset=utf8mb4", "timeout=5s"},
		},
		{
			name:     "already set",
			dsn:      "bifrost:secret@tcp(db:3306)/audit?parseTime=true",
			wantDB:   "audit",
			wantAddr: "db:3306",
			contains: []string{"parseTime=true"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mysqlDSN(tt.dsn)
			if err != nil {
				t.Fatalf("mysqlDSN failed: %v", err)
			}
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("DSN %q is missing %q", got, want)
				}
			}

			cfg, err := mysql.ParseDSN(got)
			if err != nil {
				t.Fatalf("Rewritten DSN %q does not parse: %v", got, err)
			}
			if !cfg.ParseTime || cfg.DBName != tt.wantDB || cfg.Addr != tt.wantAddr {
				t.Errorf("Unexpected config parseTime=%v db=%q addr=%q", cfg.ParseTime, cfg.DBName, cfg.Addr)
			}
		})
	}
}

func TestMySQLDSNRejectsMalformed(t *testing.T) {
	if _, err := mysqlDSN("bifrost:secret@tcp(db:3306)"); err == nil {
		t.Error("Expected an error for a DSN without a database separator")
	}
}
