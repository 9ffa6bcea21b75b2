// Package ivr resolves keypad digits against a configured menu tree.
package ivr

import (
	"fmt"

	"github.com/loqalabs/loqa-telephony/internal/config"
	"github.com/loqalabs/loqa-telephony/internal/faults"
)

// ResultKind classifies what a digit press means in a menu.
type ResultKind string

const (
	KindEmergency   ResultKind = "emergency"
	KindHumanAgent  ResultKind = "human_agent"
	KindAIAssistant ResultKind = "ai_assistant"
	KindSubmenu     ResultKind = "submenu"
	KindRepeat      ResultKind = "repeat"
	KindHangup      ResultKind = "hangup"
)

// NavResult is the outcome of navigating one digit. NextMenu and Prompt
// are set for KindSubmenu and KindRepeat.
type NavResult struct {
	Kind     ResultKind
	NextMenu string
	Prompt   string
}

// Navigator maps a digit pressed in a menu to its outcome.
type Navigator interface {
	Navigate(menuID, digit string) (NavResult, error)
	RootMenu() string
	MenuPrompt(menuID string) (string, error)
}

// MenuSet is the config-driven Navigator. The emergency digit is
// reserved across every menu and resolves before menu options are
// consulted.
type MenuSet struct {
	cfg config.IVRConfig
}

func NewMenuSet(cfg config.IVRConfig) *MenuSet {
	return &MenuSet{cfg: cfg}
}

func (m *MenuSet) RootMenu() string {
	return m.cfg.RootMenu
}

func (m *MenuSet) MenuPrompt(menuID string) (string, error) {
	menu, ok := m.cfg.Menus[menuID]
	if !ok {
		return "", fmt.Errorf("ivr menu %q: %w", menuID, faults.ErrNotFound)
	}
	return menu.Prompt, nil
}

func (m *MenuSet) Navigate(menuID, digit string) (NavResult, error) {
	if digit == m.cfg.EmergencyDigit {
		return NavResult{Kind: KindEmergency}, nil
	}

	menu, ok := m.cfg.Menus[menuID]
	if !ok {
		return NavResult{}, fmt.Errorf("ivr menu %q: %w", menuID, faults.ErrNotFound)
	}

	opt, ok := menu.Options[digit]
	if !ok {
		// Unmapped digit falls through to the menu's default action,
		// or repeats the menu when none is configured.
		action := menu.Default
		if action == "" {
			action = string(KindRepeat)
		}
		return m.actionResult(menuID, action, menu.Prompt)
	}

	if opt.NextMenu != "" {
		next, ok := m.cfg.Menus[opt.NextMenu]
		if !ok {
			return NavResult{}, fmt.Errorf("ivr menu %q -> %q: %w", menuID, opt.NextMenu, faults.ErrNotFound)
		}
		return NavResult{Kind: KindSubmenu, NextMenu: opt.NextMenu, Prompt: next.Prompt}, nil
	}
	return m.actionResult(menuID, opt.Action, menu.Prompt)
}

func (m *MenuSet) actionResult(menuID, action, prompt string) (NavResult, error) {
	switch ResultKind(action) {
	case KindEmergency:
		return NavResult{Kind: KindEmergency}, nil
	case KindHumanAgent:
		return NavResult{Kind: KindHumanAgent}, nil
	case KindAIAssistant:
		return NavResult{Kind: KindAIAssistant}, nil
	case KindRepeat:
		return NavResult{Kind: KindRepeat, NextMenu: menuID, Prompt: prompt}, nil
	case KindHangup:
		return NavResult{Kind: KindHangup}, nil
	}
	return NavResult{}, fmt.Errorf("ivr menu %q: action %q: %w", menuID, action, faults.ErrConfiguration)
}
