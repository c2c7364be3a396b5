// Package sqlitetest seeds a temporary SQLite database with a small slice of
// the Chinook sample schema.
package sqlitetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/data7/data7/internal/rowsource/sqlsource"
)

const (
	CustomersQuery = "SELECT LastName AS last_name, FirstName AS first_name, Company AS company " +
		"FROM Customer ORDER BY last_name, first_name"
	EmployeesQuery = "SELECT LastName AS last_name, FirstName AS first_name, City AS city FROM Employee"
	CustomerCount  = 59
)

type customer struct {
	first, last string
	company     any
}

var customers = []customer{
	{"Luís", "Gonçalves", "Embraer - Empresa Brasileira de Aeronáutica S.A."},
	{"Leonie", "Köhler", nil},
	{"François", "Tremblay", nil},
	{"Bjørn", "Hansen", nil},
	{"František", "Wichterlová", "JetBrains s.r.o."},
	{"Helena", "Holý", nil},
	{"Astrid", "Gruber", nil},
	{"Daan", "Peeters", nil},
	{"Kara", "Nielsen", nil},
	{"Eduardo", "Martins", "Woodstock Discos"},
	{"Alexandre", "Rocha", "Banco do Brasil S.A."},
	{"Roberto", "Almeida", "Riotur"},
	{"Fernanda", "Ramos", nil},
	{"Mark", "Philips", "Telus"},
	{"Jennifer", "Peterson", "Rogers Canada"},
	{"Frank", "Harris", "Google Inc."},
	{"Jack", "Smith", "Microsoft Corporation"},
	{"Michelle", "Brooks", nil},
	{"Tim", "Goyer", "Apple Inc."},
	{"Dan", "Miller", nil},
	{"Kathy", "Chase", nil},
	{"Heather", "Leacock", nil},
	{"John", "Gordon", nil},
	{"Frank", "Ralston", nil},
	{"Victor", "Stevens", nil},
	{"Richard", "Cunningham", nil},
	{"Patrick", "Gray", nil},
	{"Julia", "Barnett", nil},
	{"Robert", "Brown", nil},
	{"Edward", "Francis", nil},
	{"Martha", "Silk", nil},
	{"Aaron", "Mitchell", nil},
	{"Ellie", "Sullivan", nil},
	{"João", "Fernandes", nil},
	{"Madalena", "Sampaio", nil},
	{"Hannah", "Schneider", nil},
	{"Fynn", "Zimmermann", nil},
	{"Niklas", "Schröder", nil},
	{"Camille", "Bernard", nil},
	{"Dominique", "Lefebvre", nil},
	{"Marc", "Dubois", nil},
	{"Wyatt", "Girard", nil},
	{"Isabelle", "Mercier", nil},
	{"Terhi", "Hämäläinen", nil},
	{"Ladislav", "Kovács", nil},
	{"Hugh", "O'Reilly", nil},
	{"Lucas", "Mancini", nil},
	{"Johannes", "Van der Berg", nil},
	{"Stanisław", "Wójcik", nil},
	{"Enrique", "Muñoz", nil},
	{"Joakim", "Johansson", nil},
	{"Emma", "Jones", nil},
	{"Phil", "Hughes", nil},
	{"Steve", "Murray", nil},
	{"Mark", "Taylor", nil},
	{"Diego", "Gutiérrez", nil},
	{"Luis", "Rojas", nil},
	{"Manoj", "Pareek", nil},
	{"Puja", "Srivastava", nil},
}

var employees = [][3]string{
	{"Adams", "Andrew", "Edmonton"},
	{"Edwards", "Nancy", "Calgary"},
	{"Peacock", "Jane", "Calgary"},
	{"Park", "Margaret", "Calgary"},
	{"Johnson", "Steve", "Calgary"},
	{"Mitchell", "Michael", "Calgary"},
	{"King", "Robert", "Lethbridge"},
	{"Callahan", "Laura", "Lethbridge"},
}

// Open creates and seeds a database file in a test temp dir. The pool is
// closed when the test ends.
func Open(t testing.TB, maxOpenConns int) *sqlsource.Source {
	t.Helper()
	return open(t, URL(t), maxOpenConns)
}

// URL seeds a fresh database file and returns its connection URL, for tests
// that open the database through configuration.
func URL(t testing.TB) string {
	t.Helper()
	url := "sqlite://" + filepath.Join(t.TempDir(), "chinook.db")
	source := open(t, url, 1)
	seed(t, source)
	if err := source.Close(); err != nil {
		t.Fatalf("close seeded database: %v", err)
	}
	return url
}

func open(t testing.TB, url string, maxOpenConns int) *sqlsource.Source {
	t.Helper()
	source, err := sqlsource.Open(context.Background(), sqlsource.DBConfig{
		URL:          url,
		MaxOpenConns: maxOpenConns,
	})
	if err != nil {
		t.Fatalf("sqlsource.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = source.Close() })
	return source
}

func seed(t testing.TB, source *sqlsource.Source) {
	t.Helper()
	db := source.DB()
	statements := []string{
		`CREATE TABLE Customer (CustomerId INTEGER PRIMARY KEY, FirstName TEXT NOT NULL, LastName TEXT NOT NULL, Company TEXT)`,
		`CREATE TABLE Employee (EmployeeId INTEGER PRIMARY KEY, LastName TEXT NOT NULL, FirstName TEXT NOT NULL, City TEXT)`,
	}
	for _, statement := range statements {
		if _, err := db.Exec(statement); err != nil {
			t.Fatalf("seed schema: %v", err)
		}
	}
	for i, c := range customers {
		if _, err := db.Exec(`INSERT INTO Customer (CustomerId, FirstName, LastName, Company) VALUES (?, ?, ?, ?)`, i+1, c.first, c.last, c.company); err != nil {
			t.Fatalf("seed customer %d: %v", i+1, err)
		}
	}
	for i, e := range employees {
		if _, err := db.Exec(`INSERT INTO Employee (EmployeeId, LastName, FirstName, City) VALUES (?, ?, ?, ?)`, i+1, e[0], e[1], e[2]); err != nil {
			t.Fatalf("seed employee %d: %v", i+1, err)
		}
	}
}
