// Package sandbox generates demo users and catalog services for local and
// staging environments. Output is reproducible for a given seed.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/auth"
)

// SeedConfig controls the volume of generated data.
type SeedConfig struct {
	Admins   int    `json:"admins"`
	Doctors  int    `json:"doctors"`
	Patients int    `json:"patients"`
	Services int    `json:"services"`
	Seed     uint64 `json:"seed"`
}

func DefaultSeedConfig() SeedConfig {
	return SeedConfig{Admins: 1, Doctors: 5, Patients: 25, Services: 10}
}

// User is a generated account.
type User struct {
	ID    uuid.UUID
	Name  string
	Email string
	Role  string
}

// Service is a generated catalog entry.
type Service struct {
	ID    uuid.UUID
	Name  string
	Price float64
}

// SeedResult summarizes a seed run.
type SeedResult struct {
	Users    []User        `json:"-"`
	Admins   int           `json:"admins"`
	Doctors  int           `json:"doctors"`
	Patients int           `json:"patients"`
	Services int           `json:"services"`
	Duration time.Duration `json:"duration"`
}

// FirstOf returns the first generated user with role.
func (r *SeedResult) FirstOf(role string) (User, bool) {
	for _, u := range r.Users {
		if u.Role == role {
			return u, true
		}
	}
	return User{}, false
}

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

var serviceNames = []string{
	"General Consultation",
	"Follow-up Visit",
	"Blood Panel",
	"Chest X-Ray",
	"ECG",
	"Ultrasound",
	"Vaccination",
	"Physiotherapy Session",
	"Wound Dressing",
	"Allergy Test",
	"Lipid Profile",
	"MRI Scan",
	"Dental Cleaning",
	"Eye Examination",
}

// DataGenerator wraps a seeded faker.
type DataGenerator struct {
	faker *gofakeit.Faker
	used  map[string]bool
}

func NewDataGenerator(seed uint64) *DataGenerator {
	return &DataGenerator{faker: gofakeit.New(seed), used: make(map[string]bool)}
}

// GenerateUser returns a user with a unique email.
func (g *DataGenerator) GenerateUser(role string) User {
	first, last := g.faker.FirstName(), g.faker.LastName()
	name := first + " " + last
	if role == auth.RoleDoctor {
		name = "Dr. " + name
	}
	local := strings.ToLower(first + "." + last)
	email := local + "@example.com"
	for n := 2; g.used[email]; n++ {
		email = fmt.Sprintf("%s%d@example.com", local, n)
	}
	g.used[email] = true
	return User{ID: uuid.New(), Name: name, Email: email, Role: role}
}

// GenerateService returns the i-th catalog service. Names cycle through a
// fixed list and get a numeric suffix once it is exhausted.
func (g *DataGenerator) GenerateService(i int) Service {
	name := serviceNames[i%len(serviceNames)]
	if i >= len(serviceNames) {
		name = fmt.Sprintf("%s %d", name, i/len(serviceNames)+1)
	}
	return Service{ID: uuid.New(), Name: name, Price: g.faker.Price(20, 500)}
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// Store persists generated rows.
type Store interface {
	InsertUsers(ctx context.Context, users []User) error
	InsertServices(ctx context.Context, services []Service) error
}

type Seeder struct {
	store  Store
	config SeedConfig
	logger zerolog.Logger
}

func NewSeeder(store Store, config SeedConfig, logger zerolog.Logger) *Seeder {
	if config.Seed == 0 {
		config.Seed = uint64(time.Now().UnixNano())
	}
	return &Seeder{store: store, config: config, logger: logger.With().Str("component", "seeder").Logger()}
}

func (s *Seeder) Generate(ctx context.Context) (*SeedResult, error) {
	start := time.Now()
	gen := NewDataGenerator(s.config.Seed)
	res := &SeedResult{}

	for _, group := range []struct {
		role  string
		count int
		dst   *int
	}{
		{auth.RoleAdmin, s.config.Admins, &res.Admins},
		{auth.RoleDoctor, s.config.Doctors, &res.Doctors},
		{auth.RolePatient, s.config.Patients, &res.Patients},
	} {
		if group.count < 0 {
			return nil, fmt.Errorf("%s count must not be negative", group.role)
		}
		for i := 0; i < group.count; i++ {
			res.Users = append(res.Users, gen.GenerateUser(group.role))
		}
		*group.dst = group.count
	}
	if len(res.Users) > 0 {
		if err := s.store.InsertUsers(ctx, res.Users); err != nil {
			return nil, fmt.Errorf("insert users: %w", err)
		}
	}

	services := make([]Service, 0, s.config.Services)
	for i := 0; i < s.config.Services; i++ {
		services = append(services, gen.GenerateService(i))
	}
	if len(services) > 0 {
		if err := s.store.InsertServices(ctx, services); err != nil {
			return nil, fmt.Errorf("insert services: %w", err)
		}
	}
	res.Services = len(services)
	res.Duration = time.Since(start)

	s.logger.Info().
		Int("admins", res.Admins).
		Int("doctors", res.Doctors).
		Int("patients", res.Patients).
		Int("services", res.Services).
		Dur("duration", res.Duration).
		Msg("seed complete")
	return res, nil
}

// DevToken is a signed token for one seeded user.
type DevToken struct {
	User  User
	Token string
}

// DevTokens signs a token for the first user of each role.
func DevTokens(res *SeedResult, cfg auth.JWTConfig, ttl time.Duration) ([]DevToken, error) {
	var out []DevToken
	for _, role := range []string{auth.RoleAdmin, auth.RoleDoctor, auth.RolePatient} {
		u, ok := res.FirstOf(role)
		if !ok {
			continue
		}
		tok, err := auth.IssueToken(cfg, auth.Identity{UserID: u.ID, Role: u.Role}, ttl)
		if err != nil {
			return nil, fmt.Errorf("sign %s token: %w", role, err)
		}
		out = append(out, DevToken{User: u, Token: tok})
	}
	return out, nil
}
