package dingtalk

import (
	"errors"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/memohai/dingtalk-bridge/internal/config"
)

// Account is a fully resolved DingTalk bot identity.
type Account struct {
	AccountID    string
	Name         string
	ClientID     string
	ClientSecret string
	RobotCode    string
	Enabled      bool
	// Default marks the account that owns the unprefixed session keys.
	Default bool
}

// Configured reports whether all three credentials are present.
func (a Account) Configured() bool {
	return len(missingCredentials(a)) == 0
}

type credentialFields struct {
	ClientID     string `json:"clientId" validate:"required"`
	ClientSecret string `json:"clientSecret" validate:"required"`
	RobotCode    string `json:"robotCode" validate:"required"`
}

var credentialValidator = newCredentialValidator()

func newCredentialValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// missingCredentials lists the config names of blank credential fields in
// declaration order.
func missingCredentials(a Account) []string {
	err := credentialValidator.Struct(credentialFields{
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		RobotCode:    a.RobotCode,
	})
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{"clientId", "clientSecret", "robotCode"}
	}
	missing := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		missing = append(missing, fe.Field())
	}
	return missing
}

// DefaultAccountID returns the configured default account id, or "default".
func DefaultAccountID(cfg config.DingTalkConfig) string {
	if id := strings.TrimSpace(cfg.DefaultAccount); id != "" {
		return id
	}
	return config.DefaultAccountID
}

// MergeAccounts returns a new map of every account known to cfg. The legacy
// flat block is folded in under the literal "default" id when the accounts
// map has no entry for it, whatever defaultAccount names. cfg is not
// modified.
func MergeAccounts(cfg config.DingTalkConfig) map[string]config.AccountConfig {
	merged := make(map[string]config.AccountConfig, len(cfg.Accounts)+1)
	for id, account := range cfg.Accounts {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		merged[id] = account
	}
	if _, ok := merged[config.DefaultAccountID]; !ok && cfg.HasLegacyCredentials() {
		merged[config.DefaultAccountID] = config.AccountConfig{
			Name:         cfg.Name,
			Enabled:      cfg.Enabled,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RobotCode:    cfg.RobotCode,
		}
	}
	return merged
}

// ListAccountIDs returns every known account id, default first, the rest sorted.
func ListAccountIDs(cfg config.DingTalkConfig) []string {
	merged := MergeAccounts(cfg)
	defaultID := DefaultAccountID(cfg)
	ids := make([]string, 0, len(merged))
	for id := range merged {
		if id != defaultID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if _, ok := merged[defaultID]; ok {
		ids = append([]string{defaultID}, ids...)
	}
	return ids
}

// ResolveAccount resolves accountID (blank means the default account) into
// trimmed credentials. It fails with *MissingCredentialsError naming every
// blank field, or all three when the account does not exist.
func ResolveAccount(cfg config.DingTalkConfig, accountID string) (Account, error) {
	defaultID := DefaultAccountID(cfg)
	id := strings.TrimSpace(accountID)
	if id == "" {
		id = defaultID
	}
	entry, ok := MergeAccounts(cfg)[id]
	if !ok {
		return Account{}, &MissingCredentialsError{
			AccountID: id,
			Missing:   []string{"clientId", "clientSecret", "robotCode"},
			Available: ListAccountIDs(cfg),
		}
	}
	account := accountFromConfig(id, entry, id == defaultID)
	if missing := missingCredentials(account); len(missing) > 0 {
		return Account{}, &MissingCredentialsError{
			AccountID: id,
			Missing:   missing,
			Available: ListAccountIDs(cfg),
		}
	}
	return account, nil
}

func accountFromConfig(id string, entry config.AccountConfig, isDefault bool) Account {
	return Account{
		AccountID:    id,
		Name:         strings.TrimSpace(entry.Name),
		ClientID:     strings.TrimSpace(entry.ClientID),
		ClientSecret: strings.TrimSpace(entry.ClientSecret),
		RobotCode:    strings.TrimSpace(entry.RobotCode),
		Enabled:      entry.IsEnabled(),
		Default:      isDefault,
	}
}

// AccountDescription is the operator-facing summary of one account.
type AccountDescription struct {
	AccountID  string   `json:"account_id"`
	Name       string   `json:"name,omitempty"`
	Enabled    bool     `json:"enabled"`
	Configured bool     `json:"configured"`
	Default    bool     `json:"default"`
	Missing    []string `json:"missing,omitempty"`
}

// DescribeAccounts summarizes every known account without failing on
// incomplete ones.
func DescribeAccounts(cfg config.DingTalkConfig) []AccountDescription {
	merged := MergeAccounts(cfg)
	defaultID := DefaultAccountID(cfg)
	ids := ListAccountIDs(cfg)
	items := make([]AccountDescription, 0, len(ids))
	for _, id := range ids {
		account := accountFromConfig(id, merged[id], id == defaultID)
		missing := missingCredentials(account)
		items = append(items, AccountDescription{
			AccountID:  id,
			Name:       account.Name,
			Enabled:    account.Enabled,
			Configured: len(missing) == 0,
			Default:    account.Default,
			Missing:    missing,
		})
	}
	return items
}

// DescribeAccount summarizes one account. ok is false when the id is unknown.
func DescribeAccount(cfg config.DingTalkConfig, accountID string) (AccountDescription, bool) {
	id := strings.TrimSpace(accountID)
	if id == "" {
		id = DefaultAccountID(cfg)
	}
	for _, item := range DescribeAccounts(cfg) {
		if item.AccountID == id {
			return item, true
		}
	}
	return AccountDescription{AccountID: id}, false
}
