package relay

import "sort"

// Site describes one upstream account: where its API lives and how requests
// identify themselves to it.
type Site struct {
	Key            string // "nogizaka", "sakurazaka", "hinatazaka"
	Name           string // Display name, used as the Discord footer
	BaseURL        string
	AppID          string // Sent as X-Talk-App-ID
	GoogleClientID string
	Color          int // Discord embed colour
}

// DefaultColor is the embed colour for accounts without their own.
const DefaultColor = 0x5865F2

// Sites is the account table keyed by site key.
type Sites map[string]Site

// DefaultSites returns the built-in account table.
func DefaultSites() Sites {
	return Sites{
		"nogizaka": {
			Key:            "nogizaka",
			Name:           "乃木坂46",
			BaseURL:        "https://api.n46.glastonr.net",
			AppID:          "jp.co.sonymusic.communication.nogizaka 2.4",
			GoogleClientID: "774090812281-f7fgecm61lajta7ghq04rmiglrc0ignh.apps.googleusercontent.com",
			Color:          0x8E44AD,
		},
		"sakurazaka": {
			Key:            "sakurazaka",
			Name:           "櫻坂46",
			BaseURL:        "https://api.s46.glastonr.net",
			AppID:          "jp.co.sonymusic.communication.sakurazaka 2.4",
			GoogleClientID: "653287631533-ha0dtiv68rtdi3mpsc3lovjh5vm3935c.apps.googleusercontent.com",
			Color:          0xE91E63,
		},
		"hinatazaka": {
			Key:            "hinatazaka",
			Name:           "日向坂46",
			BaseURL:        "https://api.kh.glastonr.net",
			AppID:          "jp.co.sonymusic.communication.keyakizaka 2.4",
			GoogleClientID: "197175115117-te99msjq1966l0cchpsil99ht7560nfa.apps.googleusercontent.com",
			Color:          0x3498DB,
		},
	}
}

// Keys returns the site keys in a stable order.
func (s Sites) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ColorFor returns the embed colour of an account.
func (s Sites) ColorFor(account string) int {
	if site, ok := s[account]; ok && site.Color != 0 {
		return site.Color
	}
	return DefaultColor
}

// NameFor returns the display name of an account, or the key itself.
func (s Sites) NameFor(account string) string {
	if site, ok := s[account]; ok && site.Name != "" {
		return site.Name
	}
	return account
}
