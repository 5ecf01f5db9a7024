package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"triggerflow/internal/models"

	"gorm.io/gorm"
)

type Recipient struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

const (
	DirectoryUsers    = "users"
	DirectoryContacts = "contacts"
)

// DirectoryQuery 目录查询条件。Tags/ContactTypes 为空表示不过滤
type DirectoryQuery struct {
	Source       string
	Role         string
	Tags         []string
	ContactTypes []string
}

// Directory looks up users and active contacts.
type Directory interface {
	ResolveDirectory(ctx context.Context, q DirectoryQuery) ([]Recipient, error)
}

var ErrNoDirectory = errors.New("directory not configured")

// RecipientStrategy resolves one recipient kind.
type RecipientStrategy interface {
	Kind() string
	Resolve(ctx context.Context, payload map[string]interface{}, dir Directory) ([]Recipient, error)
}

// NewRecipientStrategy validates spec and returns the strategy for its kind.
func NewRecipientStrategy(spec models.RecipientSpec) (RecipientStrategy, error) {
	cfg := spec.Config
	switch strings.ToLower(strings.TrimSpace(spec.Kind)) {
	case models.RecipientContact:
		return payloadContactStrategy{}, nil
	case models.RecipientUser:
		role := strings.TrimSpace(cfg.UserRole)
		if role == "" {
			return nil, fmt.Errorf("recipient kind user requires user_role")
		}
		return roleStrategy{role: role}, nil
	case models.RecipientCustom:
		return customStrategy{emails: cfg.CustomEmails}, nil
	case models.RecipientAllContacts:
		return contactsStrategy{kind: models.RecipientAllContacts}, nil
	case models.RecipientContactsByTag:
		tags := cleanList(cfg.Tags)
		if len(tags) == 0 {
			return nil, fmt.Errorf("recipient kind contacts_by_tag requires tags")
		}
		return contactsStrategy{kind: models.RecipientContactsByTag, tags: tags}, nil
	case models.RecipientContactsByType:
		types := cleanList(cfg.ContactTypes)
		if len(types) == 0 {
			return nil, fmt.Errorf("recipient kind contacts_by_type requires contact_types")
		}
		return contactsStrategy{kind: models.RecipientContactsByType, types: types}, nil
	default:
		return nil, fmt.Errorf("unknown recipient kind %q", spec.Kind)
	}
}

// ResolveRecipients runs the strategy and dedupes by lower-cased email.
func ResolveRecipients(ctx context.Context, strategy RecipientStrategy, payload map[string]interface{}, dir Directory) ([]Recipient, error) {
	list, err := strategy.Resolve(ctx, payload, dir)
	if err != nil {
		return nil, err
	}
	return dedupeRecipients(list), nil
}

func dedupeRecipients(list []Recipient) []Recipient {
	seen := make(map[string]struct{}, len(list))
	out := make([]Recipient, 0, len(list))
	for _, r := range list {
		r.Email = strings.TrimSpace(r.Email)
		if r.Email == "" {
			continue
		}
		key := strings.ToLower(r.Email)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

type payloadContactStrategy struct{}

func (payloadContactStrategy) Kind() string { return models.RecipientContact }

func (payloadContactStrategy) Resolve(_ context.Context, payload map[string]interface{}, _ Directory) ([]Recipient, error) {
	email, _ := lookupPath(payload, "email")
	addr := strings.TrimSpace(toText(email))
	if addr == "" {
		return nil, nil
	}
	return []Recipient{{Email: addr, Name: contactName(payload)}}, nil
}

// contactName: name, full_name, then first_name + last_name.
func contactName(payload map[string]interface{}) string {
	for _, key := range []string{"name", "full_name"} {
		if v, ok := payload[key]; ok {
			if s := strings.TrimSpace(toText(v)); s != "" {
				return s
			}
		}
	}
	first := strings.TrimSpace(toText(payload["first_name"]))
	last := strings.TrimSpace(toText(payload["last_name"]))
	return strings.TrimSpace(first + " " + last)
}

type roleStrategy struct {
	role string
}

func (roleStrategy) Kind() string { return models.RecipientUser }

func (s roleStrategy) Resolve(ctx context.Context, _ map[string]interface{}, dir Directory) ([]Recipient, error) {
	if dir == nil {
		return nil, ErrNoDirectory
	}
	return dir.ResolveDirectory(ctx, DirectoryQuery{Source: DirectoryUsers, Role: s.role})
}

type customStrategy struct {
	emails []string
}

func (customStrategy) Kind() string { return models.RecipientCustom }

func (s customStrategy) Resolve(context.Context, map[string]interface{}, Directory) ([]Recipient, error) {
	out := make([]Recipient, 0, len(s.emails))
	for _, e := range s.emails {
		e = strings.TrimSpace(e)
		out = append(out, Recipient{Email: e, Name: e})
	}
	return out, nil
}

type contactsStrategy struct {
	kind  string
	tags  []string
	types []string
}

func (s contactsStrategy) Kind() string { return s.kind }

func (s contactsStrategy) Resolve(ctx context.Context, _ map[string]interface{}, dir Directory) ([]Recipient, error) {
	if dir == nil {
		return nil, ErrNoDirectory
	}
	return dir.ResolveDirectory(ctx, DirectoryQuery{
		Source:       DirectoryContacts,
		Tags:         s.tags,
		ContactTypes: s.types,
	})
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// GormDirectory 基于数据库的用户/联系人目录
type GormDirectory struct {
	db *gorm.DB
}

func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

func (d *GormDirectory) ResolveDirectory(ctx context.Context, q DirectoryQuery) ([]Recipient, error) {
	switch q.Source {
	case DirectoryUsers:
		var users []models.User
		if err := d.db.WithContext(ctx).
			Where("role = ? AND status = ?", q.Role, "active").
			Order("id ASC").
			Find(&users).Error; err != nil {
			return nil, fmt.Errorf("load users: %w", err)
		}
		out := make([]Recipient, 0, len(users))
		for _, u := range users {
			out = append(out, Recipient{Email: u.Email, Name: u.Name})
		}
		return out, nil

	case DirectoryContacts:
		query := d.db.WithContext(ctx).Where("status = ?", "active")
		if len(q.ContactTypes) > 0 {
			types := make([]string, 0, len(q.ContactTypes))
			for _, t := range q.ContactTypes {
				types = append(types, strings.ToLower(t))
			}
			query = query.Where("LOWER(contact_type) IN ?", types)
		}
		var contacts []models.Contact
		if err := query.Order("id ASC").Find(&contacts).Error; err != nil {
			return nil, fmt.Errorf("load contacts: %w", err)
		}
		out := make([]Recipient, 0, len(contacts))
		for i := range contacts {
			if len(q.Tags) > 0 && !tagsIntersect(contacts[i].TagList(), q.Tags) {
				continue
			}
			out = append(out, Recipient{Email: contacts[i].Email, Name: contacts[i].Name})
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unknown directory source %q", q.Source)
	}
}

func tagsIntersect(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if strings.EqualFold(h, w) {
				return true
			}
		}
	}
	return false
}
