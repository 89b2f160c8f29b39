// Package voices knows which voice models are installed, which of them are
// offered to callers and how an advertised voice name maps back to a model
// and speaker.
package voices

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	ErrVoiceNotFound   = errors.New("voice not found")
	ErrSpeakerNotFound = errors.New("speaker name not found")
)

// AdvertisedPrefix starts every advertised voice name.
const AdvertisedPrefix = "Piper "

type Language struct {
	Code           string `yaml:"code" json:"code"`
	Family         string `yaml:"family,omitempty" json:"family,omitempty"`
	NameEnglish    string `yaml:"name_english,omitempty" json:"name_english,omitempty"`
	CountryEnglish string `yaml:"country_english" json:"country_english"`
}

// Voice is one installed model.
type Voice struct {
	Key          string         `yaml:"key" json:"key"`
	Name         string         `yaml:"name" json:"name"`
	Quality      string         `yaml:"quality" json:"quality"`
	Language     Language       `yaml:"language" json:"language"`
	SpeakerIDMap map[string]int `yaml:"speaker_id_map,omitempty" json:"speaker_id_map,omitempty"`
	ModelPath    string         `yaml:"model_path" json:"model_path"`
	SampleRate   int            `yaml:"sample_rate,omitempty" json:"sample_rate,omitempty"`
}

// ModelID is the key without its language prefix, e.g. "lessac-medium" for
// "en_US-lessac-medium".
func (v Voice) ModelID() string {
	if i := strings.IndexByte(v.Key, '-'); i >= 0 {
		return v.Key[i+1:]
	}
	return v.Key
}

// Speakers lists the named speakers of a multi-speaker model in name order.
func (v Voice) Speakers() []string {
	names := make([]string, 0, len(v.SpeakerIDMap))
	for name := range v.SpeakerIDMap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type catalogFile struct {
	Voices []Voice `yaml:"voices"`
}

// LoadFile reads a YAML catalog. A missing file is an empty catalog.
func LoadFile(path string) ([]Voice, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read voice catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse voice catalog: %w", err)
	}
	seen := make(map[string]bool, len(file.Voices))
	for _, v := range file.Voices {
		if v.Key == "" {
			return nil, errors.New("voice catalog: voice without key")
		}
		if seen[v.Key] {
			return nil, fmt.Errorf("voice catalog: duplicate key %q", v.Key)
		}
		seen[v.Key] = true
	}
	return file.Voices, nil
}

// regionCountries names the country a region-qualified language filter also
// accepts by country when the voice code omits the region.
var regionCountries = map[string]string{
	"in": "india",
	"us": "united states",
	"gb": "great britain",
}

// Allowed reports whether v passes the language filter. A filter entry
// matches voice codes it prefixes, case-insensitively. A region-qualified
// entry like "hi_IN" also matches other "hi" voices whose country is India.
func Allowed(v Voice, languages []string) bool {
	code := strings.ToLower(v.Language.Code)
	country := strings.ToLower(v.Language.CountryEnglish)
	for _, lang := range languages {
		lang = strings.ToLower(lang)
		if lang == "" {
			continue
		}
		if strings.HasPrefix(code, lang) {
			return true
		}
		family, region, ok := strings.Cut(lang, "_")
		if !ok {
			continue
		}
		if name, known := regionCountries[region]; known && strings.HasPrefix(code, family) && strings.Contains(country, name) {
			return true
		}
	}
	return false
}

// Advertised is one name offered to callers.
type Advertised struct {
	Name     string `json:"voiceName"`
	Lang     string `json:"lang"`
	VoiceKey string `json:"voiceKey"`
	Speaker  string `json:"speaker,omitempty"`
}

// AdvertisedName formats the name callers use for a model and optional speaker.
func AdvertisedName(modelID, speaker string) string {
	if speaker == "" {
		return AdvertisedPrefix + modelID
	}
	return AdvertisedPrefix + modelID + " (" + speaker + ")"
}

// ParseAdvertisedName splits a name produced by AdvertisedName. Names
// without the prefix are taken as a bare model id.
func ParseAdvertisedName(name string) (modelID, speaker string) {
	name = strings.TrimSpace(strings.TrimPrefix(name, AdvertisedPrefix))
	if strings.HasSuffix(name, ")") {
		if i := strings.LastIndex(name, " ("); i >= 0 {
			return name[:i], name[i+2 : len(name)-1]
		}
	}
	return name, ""
}

// Catalog is the current set of installed voices, filtered by language.
type Catalog struct {
	mu        sync.RWMutex
	languages []string
	voices    []Voice
	byKey     map[string]Voice
}

func NewCatalog(languages []string) *Catalog {
	return &Catalog{languages: languages, byKey: make(map[string]Voice)}
}

// Replace installs a new voice list and reports which keys disappeared.
// Voices outside the language filter are dropped.
func (c *Catalog) Replace(all []Voice) (removed []string) {
	next := make([]Voice, 0, len(all))
	byKey := make(map[string]Voice, len(all))
	for _, v := range all {
		if !Allowed(v, c.languages) {
			continue
		}
		next = append(next, v)
		byKey[v.Key] = v
	}
	sort.Slice(next, func(i, j int) bool { return next[i].Key < next[j].Key })

	c.mu.Lock()
	for key := range c.byKey {
		if _, ok := byKey[key]; !ok {
			removed = append(removed, key)
		}
	}
	c.voices = next
	c.byKey = byKey
	c.mu.Unlock()
	sort.Strings(removed)
	return removed
}

// Voices returns the allowed voices in key order.
func (c *Catalog) Voices() []Voice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Voice(nil), c.voices...)
}

// Lookup returns the voice with key.
func (c *Catalog) Lookup(key string) (Voice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.byKey[key]
	return v, ok
}

// Advertised lists every name callers may pass as voiceName: one per model
// and one per named speaker.
func (c *Catalog) Advertised() []Advertised {
	voices := c.Voices()
	out := make([]Advertised, 0, len(voices))
	for _, v := range voices {
		lang := strings.ReplaceAll(v.Language.Code, "_", "-")
		out = append(out, Advertised{Name: AdvertisedName(v.ModelID(), ""), Lang: lang, VoiceKey: v.Key})
		for _, speaker := range v.Speakers() {
			out = append(out, Advertised{Name: AdvertisedName(v.ModelID(), speaker), Lang: lang, VoiceKey: v.Key, Speaker: speaker})
		}
	}
	return out
}

// Resolution is a voice name mapped back to its model.
type Resolution struct {
	Voice       Voice
	SpeakerName string
	SpeakerID   *int
}

// Resolve finds the voice whose key ends with "-<modelId>" and the speaker
// named in voiceName, if any.
func (c *Catalog) Resolve(voiceName string) (Resolution, error) {
	modelID, speaker := ParseAdvertisedName(voiceName)
	var (
		voice Voice
		found bool
	)
	for _, v := range c.Voices() {
		if strings.HasSuffix(v.Key, "-"+modelID) {
			voice, found = v, true
			break
		}
	}
	if !found {
		return Resolution{}, fmt.Errorf("%w: %q", ErrVoiceNotFound, voiceName)
	}
	res := Resolution{Voice: voice, SpeakerName: speaker}
	if speaker != "" {
		id, ok := voice.SpeakerIDMap[speaker]
		if !ok {
			return Resolution{}, fmt.Errorf("%w: %q in %s", ErrSpeakerNotFound, speaker, voice.Key)
		}
		res.SpeakerID = &id
	}
	return res, nil
}
