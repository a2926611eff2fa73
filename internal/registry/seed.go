package registry

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"txgate/internal/db"
)

// Seed describes profiles, objects, methods and grants to upsert at startup.
type Seed struct {
	Profiles []SeedProfile `yaml:"profiles"`
	Objects  []SeedObject  `yaml:"objects"`
}

type SeedProfile struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`
}

type SeedObject struct {
	Name    string       `yaml:"name"`
	Methods []SeedMethod `yaml:"methods"`
}

type SeedMethod struct {
	Name     string   `yaml:"name"`
	Tx       int      `yaml:"tx"`
	Profiles []string `yaml:"profiles"`
}

func LoadSeedFile(path string) (Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return Seed{}, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	return ParseSeed(f)
}

func ParseSeed(r io.Reader) (Seed, error) {
	var seed Seed
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&seed); err != nil {
		return Seed{}, fmt.Errorf("decode seed: %w", err)
	}
	if err := seed.Validate(); err != nil {
		return Seed{}, err
	}
	return seed, nil
}

func (s Seed) Validate() error {
	profiles := make(map[string]int, len(s.Profiles))
	for _, p := range s.Profiles {
		name := strings.TrimSpace(p.Name)
		if p.ID <= 0 || name == "" {
			return fmt.Errorf("seed profile %q: id and name are required", p.Name)
		}
		if _, dup := profiles[name]; dup {
			return fmt.Errorf("seed profile %q declared twice", name)
		}
		profiles[name] = p.ID
	}

	txs := make(map[int]string)
	for _, o := range s.Objects {
		if strings.TrimSpace(o.Name) == "" {
			return fmt.Errorf("seed object without name")
		}
		for _, m := range o.Methods {
			qualified := o.Name + "." + m.Name
			if strings.TrimSpace(m.Name) == "" {
				return fmt.Errorf("seed object %s: method without name", o.Name)
			}
			if m.Tx <= 0 {
				return fmt.Errorf("%w: %d for %s", ErrInvalidTx, m.Tx, qualified)
			}
			if other, dup := txs[m.Tx]; dup {
				return fmt.Errorf("%w: %d used by %s and %s", ErrDuplicateTx, m.Tx, other, qualified)
			}
			txs[m.Tx] = qualified
			for _, p := range m.Profiles {
				if _, ok := profiles[p]; !ok {
					return fmt.Errorf("seed method %s grants unknown profile %q", qualified, p)
				}
			}
		}
	}
	return nil
}

// ApplySeed upserts the seed in one transaction. Existing grants that the
// seed does not mention are left untouched.
func ApplySeed(ctx context.Context, database *sql.DB, seed Seed) error {
	profileIDs := make(map[string]int, len(seed.Profiles))
	for _, p := range seed.Profiles {
		profileIDs[p.Name] = p.ID
	}

	return db.WithTx(ctx, database, func(ctx context.Context, tx db.DBTX) error {
		for _, p := range seed.Profiles {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO profiles (id, name) VALUES ($1, $2)
				ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
			`, p.ID, p.Name); err != nil {
				return fmt.Errorf("upsert profile %s: %w", p.Name, err)
			}
		}

		for _, o := range seed.Objects {
			var objectID int
			if err := tx.QueryRowContext(ctx, `
				INSERT INTO objects (name) VALUES ($1)
				ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
				RETURNING id
			`, o.Name).Scan(&objectID); err != nil {
				return fmt.Errorf("upsert object %s: %w", o.Name, err)
			}

			for _, m := range o.Methods {
				var methodID int
				if err := tx.QueryRowContext(ctx, `
					INSERT INTO methods (object_id, name, tx) VALUES ($1, $2, $3)
					ON CONFLICT (object_id, name) DO UPDATE SET tx = EXCLUDED.tx
					RETURNING id
				`, objectID, m.Name, m.Tx).Scan(&methodID); err != nil {
					return fmt.Errorf("upsert method %s.%s: %w", o.Name, m.Name, err)
				}

				for _, p := range m.Profiles {
					if _, err := tx.ExecContext(ctx, `
						INSERT INTO permission_grants (profile_id, method_id) VALUES ($1, $2)
						ON CONFLICT DO NOTHING
					`, profileIDs[p], methodID); err != nil {
						return fmt.Errorf("grant %s.%s to %s: %w", o.Name, m.Name, p, err)
					}
				}
			}
		}
		return nil
	})
}
