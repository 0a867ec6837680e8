package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// PromptsConfig captures the instruction blocks sent to the language model.
// The dialogue sections (transcript, previous Q&A) are appended by the llm
// adapter; these fields carry only the rule text and can be customized via
// a YAML config file (JSON is also accepted because it is a subset of YAML).
type PromptsConfig struct {
	InitialQuestions  string `json:"initial_questions" yaml:"initial_questions"`
	FollowUpQuestions string `json:"follow_up_questions" yaml:"follow_up_questions"`
	Integrate         string `json:"integrate" yaml:"integrate"`
}

// DefaultPrompts returns the baked-in German prompt defaults.
func DefaultPrompts() PromptsConfig {
	return PromptsConfig{
		InitialQuestions: `Du bist ein einfuehlsamer Gespraechspartner, der hilft, Gedanken zu vertiefen.

Analysiere dieses Transkript einer Sprachnotiz und stelle genau 2-3 klaerende Rueckfragen.

Regeln fuer die Fragen:
- Konkret auf den Inhalt eingehen (keine generischen Fragen)
- Zum Nachdenken anregen, ohne zu belehren
- Kurz und praegnant (max. 1-2 Saetze pro Frage)
- Natuerlich und gespraechsnah formulieren

Gute Beispiele:
- "Kannst du das mit einem konkreten Beispiel erklaeren?"
- "Was genau meinst du mit [Begriff aus Transkript]?"
- "Wie wuerdest du das in der Praxis umsetzen?"`,
		FollowUpQuestions: `Du fuehrst einen natuerlichen Reflexionsdialog. Basierend auf der neuesten Antwort, stelle 2-3 weitere vertiefende Fragen.

Regeln fuer die neuen Fragen:
- Direkt auf die letzte Antwort eingehen
- Neue Aspekte aufgreifen, die noch nicht besprochen wurden
- Nicht bereits gestellte Fragen wiederholen
- Konkretisierung oder Beispiele anregen
- Natuerlich und im Gespraechsfluss bleiben`,
		Integrate: `Reichere das folgende Transkript mit den zusaetzlichen Informationen aus dem Dialog an.

Aufgabe:
1. Integriere die Informationen aus den Antworten natuerlich in den Text
2. Behalte den urspruenglichen Inhalt vollstaendig bei
3. Fuege neue Details an passenden Stellen ein
4. Halte den Schreibstil konsistent
5. Der Text soll wie ein zusammenhaengender Gedankenfluss wirken
6. KEINE Markierungen wie "[ergaenzt]" oder aehnliches`,
	}
}

// LoadPrompts reads YAML/JSON and merges it with defaults.
func LoadPrompts(path string) (PromptsConfig, error) {
	cfg := DefaultPrompts()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if len(data) == 0 {
		return cfg, errors.New("empty config file")
	}
	var parsed struct {
		Prompts PromptsConfig `json:"prompts" yaml:"prompts"`
	}
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := json.Unmarshal(data, &parsed); err != nil {
			return cfg, err
		}
	} else {
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return cfg, err
		}
	}
	return MergePrompts(cfg, parsed.Prompts), nil
}

// MergePrompts overlays non-empty fields onto the base config.
func MergePrompts(base PromptsConfig, override PromptsConfig) PromptsConfig {
	if strings.TrimSpace(override.InitialQuestions) != "" {
		base.InitialQuestions = override.InitialQuestions
	}
	if strings.TrimSpace(override.FollowUpQuestions) != "" {
		base.FollowUpQuestions = override.FollowUpQuestions
	}
	if strings.TrimSpace(override.Integrate) != "" {
		base.Integrate = override.Integrate
	}
	return base
}
