package dialect

import (
	"strings"
	"testing"
)

func TestLookup(t *testing.T) {
	for _, name := range []string{"postgres", "oracle", "clickhouse"} {
		p, err := Lookup(name)
		if err != nil {
			t.Fatalf("Lookup(%q): %v", name, err)
		}
		if p.Name() != name {
			t.Errorf("Lookup(%q).Name() = %q", name, p.Name())
		}
	}
}

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup("mysql")
	if err == nil {
		t.Fatal("expected error for unknown dialect")
	}
	for _, name := range Names() {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not list supported dialect %q", err, name)
		}
	}
}

func TestOracleTranspileLimit(t *testing.T) {
	p, _ := Lookup("oracle")
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "trailing limit",
			in:   "SELECT name, SUM(price*qty) r FROM products GROUP BY name ORDER BY r DESC LIMIT 10",
			want: "SELECT name, SUM(price*qty) r FROM products GROUP BY name ORDER BY r DESC FETCH FIRST 10 ROWS ONLY",
		},
		{
			name: "limit with offset",
			in:   "SELECT id FROM orders ORDER BY id LIMIT 20 OFFSET 40",
			want: "SELECT id FROM orders ORDER BY id OFFSET 40 ROWS FETCH NEXT 20 ROWS ONLY",
		},
		{
			name: "except becomes minus",
			in:   "SELECT id FROM a EXCEPT SELECT id FROM b",
			want: "SELECT id FROM a MINUS SELECT id FROM b",
		},
		{
			name: "limit inside string literal untouched",
			in:   "SELECT * FROM notes WHERE body = 'no LIMIT 5 here'",
			want: "SELECT * FROM notes WHERE body = 'no LIMIT 5 here'",
		},
		{
			name: "already native is a no-op",
			in:   "SELECT id FROM orders FETCH FIRST 10 ROWS ONLY",
			want: "SELECT id FROM orders FETCH FIRST 10 ROWS ONLY",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Transpile(tt.in)
			if err != nil {
				t.Fatalf("Transpile: %v", err)
			}
			if got != tt.want {
				t.Errorf("Transpile(%q)\n got %q\nwant %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestOracleTranspileIdempotent(t *testing.T) {
	p, _ := Lookup("oracle")
	in := "SELECT id FROM orders ORDER BY id LIMIT 5"
	once, err := p.Transpile(in)
	if err != nil {
		t.Fatal(err)
	}
	twice, err := p.Transpile(once)
	if err != nil {
		t.Fatal(err)
	}
	if once != twice {
		t.Errorf("transpile not idempotent: %q then %q", once, twice)
	}
}

func TestOracleBindRewriteShape(t *testing.T) {
	p, _ := Lookup("oracle")
	pattern, repl := p.BindRewrite()
	if pattern == nil {
		t.Fatal("oracle must declare a bind rewrite")
	}
	got := pattern.ReplaceAllString("WHERE status = :STATUS", repl)
	if got != "WHERE status = 'STATUS'" {
		t.Errorf("rewrite produced %q", got)
	}
}

func TestNormalizeIdentifier(t *testing.T) {
	pg, _ := Lookup("postgres")
	ora, _ := Lookup("oracle")
	if got := pg.NormalizeIdentifier("Orders"); got != "orders" {
		t.Errorf("postgres normalize = %q", got)
	}
	if got := ora.NormalizeIdentifier("Orders"); got != "ORDERS" {
		t.Errorf("oracle normalize = %q", got)
	}
}

func TestPaginationClause(t *testing.T) {
	pg, _ := Lookup("postgres")
	ora, _ := Lookup("oracle")
	if got := pg.PaginationClause(10); got != "LIMIT 10" {
		t.Errorf("postgres pagination = %q", got)
	}
	if got := ora.PaginationClause(10); got != "FETCH FIRST 10 ROWS ONLY" {
		t.Errorf("oracle pagination = %q", got)
	}
}
