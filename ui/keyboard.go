package ui

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/eiannone/keyboard"
)

// KeyEsc is the rune emitted for the escape key.
const KeyEsc rune = 27

// keyEnter is the rune emitted for carriage return / enter.
const keyEnter rune = '\r'

// Singleton buffered channel and one reader goroutine to avoid multiple
// opens and to make DrainKeys non-blocking and reliable across phases.
var (
	keyCh     chan rune
	startOnce sync.Once
)

// StartKeyEvents returns a channel that emits single-key runes read without
// Enter. It initializes a single background reader the first time it is
// called. The returned channel is buffered; callers may receive from it. If
// opening the keyboard fails, an inert buffered channel is returned (it will
// not emit keys).
func StartKeyEvents() chan rune {
	startOnce.Do(func() {
		keyCh = make(chan rune, 64)
		if err := keyboard.Open(); err != nil {
			// Keyboard not available; keep a buffered channel that never emits.
			return
		}
		go func() {
			defer keyboard.Close()
			for {
				char, key, err := keyboard.GetKey()
				if err != nil {
					// Close the channel to signal readers if GetKey fails.
					close(keyCh)
					return
				}
				var out rune
				switch {
				case key == 0:
					out = char
				case key == keyboard.KeyEsc:
					out = KeyEsc
				case key == keyboard.KeyEnter:
					out = keyEnter
				case key == keyboard.KeyBackspace || key == keyboard.KeyBackspace2:
					out = '\b'
				default:
					continue
				}
				// Non-blocking send: drop events if nobody is consuming.
				select {
				case keyCh <- out:
				default:
				}
			}
		}()
	})
	if keyCh == nil {
		// Ensure a non-nil channel is always returned so callers can select on it.
		keyCh = make(chan rune, 64)
	}
	return keyCh
}

// DrainKeys consumes any immediately available keys to avoid accidental
// triggers. It uses the same singleton channel and drains it non-blockingly.
func DrainKeys() {
	ch := StartKeyEvents()
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// ReadNumber prompts in green and assembles a decimal number from single
// keypresses, echoing as it goes. Enter accepts, backspace edits, ESC
// cancels (ok=false). Invalid entries re-prompt.
func ReadNumber(prompt string) (value float64, ok bool) {
	keys := StartKeyEvents()
	for {
		Greenf("%s", prompt)
		var sb strings.Builder
		for {
			k, open := <-keys
			if !open {
				return 0, false
			}
			switch {
			case k == KeyEsc:
				fmt.Println()
				return 0, false
			case k == keyEnter:
				fmt.Println()
				text := strings.TrimSpace(sb.String())
				v, err := strconv.ParseFloat(text, 64)
				if err == nil {
					return v, true
				}
				Warningf("Not a number: %q\n", text)
				// Re-prompt.
			case k == '\b':
				if sb.Len() > 0 {
					s := sb.String()
					sb.Reset()
					sb.WriteString(s[:len(s)-1])
					fmt.Print("\b \b")
				}
				continue
			case (k >= '0' && k <= '9') || k == '.' || k == '-' || k == '+':
				sb.WriteRune(k)
				fmt.Print(string(k))
				continue
			default:
				continue
			}
			break
		}
	}
}
