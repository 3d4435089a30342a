package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Personality describes the character the sidekick plays. It is rendered into
// the system prompt and drives greeting, farewell and mention detection.
type Personality struct {
	Name                  string              `yaml:"name"`
	FullName              string              `yaml:"full_name"`
	Description           string              `yaml:"description"`
	Traits                []string            `yaml:"personality_traits"`
	SpeakingStyle         []string            `yaml:"speaking_style"`
	BehavioralConstraints []string            `yaml:"behavioral_constraints"`
	Backstory             string              `yaml:"backstory"`
	Catchphrases          map[string][]string `yaml:"catchphrases"`
	Voice                 VoiceSettings       `yaml:"voice_settings"`
	Aliases               []string            `yaml:"aliases"`
}

// VoiceSettings holds ElevenLabs synthesis parameters.
type VoiceSettings struct {
	VoiceID         string  `yaml:"voice_id"`
	Stability       float64 `yaml:"stability"`
	SimilarityBoost float64 `yaml:"similarity_boost"`
	Style           float64 `yaml:"style"`
	UseSpeakerBoost bool    `yaml:"use_speaker_boost"`
}

// DefaultPersonality returns the built-in character used when no personality
// file is configured.
func DefaultPersonality() Personality {
	return Personality{
		Name:        "CUDA-chan",
		FullName:    "CUDA-chan",
		Description: "a cheerful AI co-host who watches the stream alongside the streamer.",
		Traits: []string{
			"energetic and curious",
			"supportive of the streamer",
			"playful but never mean",
		},
		SpeakingStyle: []string{
			"casual and conversational",
			"short sentences",
		},
		BehavioralConstraints: []string{
			"stay in character",
			"never give the streamer orders",
			"keep responses to one or two sentences",
		},
		Backstory: "A tech-loving AI who enjoys games and hanging out with chat.",
		Catchphrases: map[string][]string{
			"greeting": {"Hi everyone! CUDA-chan is here!"},
			"farewell": {"Thanks for hanging out, see you next time!"},
		},
		Voice: VoiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
			UseSpeakerBoost: true,
		},
		Aliases: []string{"cuda"},
	}
}

// LoadPersonality reads a personality YAML file. Fields absent from the file
// keep the defaults. An empty path returns DefaultPersonality.
func LoadPersonality(path string) (Personality, error) {
	p := DefaultPersonality()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("config: failed to read personality file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("config: failed to parse personality file %s: %w", path, err)
	}
	if strings.TrimSpace(p.Name) == "" {
		return p, fmt.Errorf("config: personality file %s has no name", path)
	}
	return p, nil
}

// Catchphrase returns the first catchphrase registered under kind, or
// fallback when there is none.
func (p Personality) Catchphrase(kind, fallback string) string {
	if phrases := p.Catchphrases[kind]; len(phrases) > 0 && phrases[0] != "" {
		return phrases[0]
	}
	return fallback
}

// MentionNames returns the lowercased names the chat filter treats as a
// mention of the sidekick.
func (p Personality) MentionNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, n := range append([]string{p.Name}, p.Aliases...) {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		names = append(names, n)
	}
	return names
}
