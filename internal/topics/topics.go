package topics

import (
	"regexp"
	"sort"
	"sync"
)

// Pattern — либо точное имя темы, либо регулярное выражение.
type Pattern struct {
	exact string
	re    *regexp.Regexp
}

// Exact создаёт шаблон точного совпадения имени темы.
func Exact(name string) Pattern { return Pattern{exact: name} }

// Regex создаёт шаблон по регулярному выражению. Выражение должно
// покрывать имя темы целиком: "/b.*" совпадает с "/b/c", но не с "/a/b".
func Regex(re *regexp.Regexp) Pattern { return Pattern{re: anchor(re)} }

// anchor приводит выражение к совпадению по всей строке.
func anchor(re *regexp.Regexp) *regexp.Regexp {
	return regexp.MustCompile(`\A(?:` + re.String() + `)\z`)
}

// Matches проверяет тему на совпадение с шаблоном.
func (p Pattern) Matches(topic string) bool {
	if p.re != nil {
		return p.re.MatchString(topic)
	}
	return p.exact == topic
}

func (p Pattern) String() string {
	if p.re != nil {
		return p.re.String()
	}
	return p.exact
}

// Selection — набор выбранных тем для записи или воспроизведения.
//
// Конкретные темы хранятся множеством; шаблоны включения/исключения
// сохраняются отдельно, чтобы темы, появившиеся на шине позже, тоже
// проходили через IsSelected. Первый Remove до любого Add переводит
// набор в режим "всё известное минус исключённое".
type Selection struct {
	mu       sync.Mutex
	selected map[string]struct{}
	removed  map[string]struct{}
	include  []Pattern
	exclude  []Pattern
	seeded   bool
}

func NewSelection() *Selection {
	return &Selection{
		selected: map[string]struct{}{},
		removed:  map[string]struct{}{},
	}
}

// AddExact добавляет тему по точному имени. Возвращает false, если тема
// уже выбрана.
func (s *Selection) AddExact(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.selected[topic]; ok {
		return false
	}
	s.selected[topic] = struct{}{}
	delete(s.removed, topic)
	s.include = append(s.include, Exact(topic))
	return true
}

// AddRegex добавляет все известные темы, совпадающие с выражением, и
// возвращает число добавленных. Шаблон сохраняется и для тем, которые
// появятся позже.
func (s *Selection) AddRegex(re *regexp.Regexp, known []string) int {
	re = anchor(re)
	s.mu.Lock()
	defer s.mu.Unlock()
	var added int
	for _, topic := range known {
		if !re.MatchString(topic) {
			continue
		}
		if _, ok := s.selected[topic]; ok {
			continue
		}
		s.selected[topic] = struct{}{}
		delete(s.removed, topic)
		added++
	}
	s.include = append(s.include, Pattern{re: re})
	return added
}

// RemoveExact убирает тему из выбора. Если до этого не было ни одного
// Add, выбор сначала заполняется всеми известными темами.
func (s *Selection) RemoveExact(topic string, known []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seedLocked(known)
	if _, ok := s.selected[topic]; !ok {
		return false
	}
	delete(s.selected, topic)
	s.removed[topic] = struct{}{}
	return true
}

// RemoveRegex убирает все выбранные на данный момент темы, совпадающие с
// выражением, и возвращает их число.
func (s *Selection) RemoveRegex(re *regexp.Regexp, known []string) int {
	re = anchor(re)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seedLocked(known)
	var removed int
	for topic := range s.selected {
		if !re.MatchString(topic) {
			continue
		}
		delete(s.selected, topic)
		s.removed[topic] = struct{}{}
		removed++
	}
	s.exclude = append(s.exclude, Pattern{re: re})
	return removed
}

// IsSelected проверяет принадлежность конкретной темы выбору, включая
// темы, которых не было на момент добавления шаблонов.
func (s *Selection) IsSelected(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Конкретное множество сильнее шаблонов: Add после Remove по
	// регулярному выражению возвращает тему в выбор.
	if _, ok := s.selected[topic]; ok {
		return true
	}
	if _, ok := s.removed[topic]; ok {
		return false
	}
	for _, p := range s.exclude {
		if p.Matches(topic) {
			return false
		}
	}
	// Ни одного Add не было: действует правило "по умолчанию всё".
	if len(s.include) == 0 {
		return true
	}
	for _, p := range s.include {
		if p.Matches(topic) {
			return true
		}
	}
	return false
}

// Resolve возвращает отсортированный список конкретных тем из known,
// входящих в выбор на текущий момент.
func (s *Selection) Resolve(known []string) []string {
	out := make([]string, 0, len(known))
	for _, topic := range known {
		if s.IsSelected(topic) {
			out = append(out, topic)
		}
	}
	sort.Strings(out)
	return out
}

// Topics возвращает срез конкретных выбранных тем.
func (s *Selection) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.selected))
	for topic := range s.selected {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// NeedsWildcard сообщает, достаточно ли подписок на конкретные темы или
// требуется подписка на всё с фильтрацией (есть регулярные шаблоны либо
// действует правило "по умолчанию всё").
func (s *Selection) NeedsWildcard() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.include) == 0 {
		return true
	}
	for _, p := range s.include {
		if p.re != nil {
			return true
		}
	}
	return false
}

func (s *Selection) seedLocked(known []string) {
	if s.seeded || len(s.include) > 0 {
		return
	}
	for _, topic := range known {
		if _, ok := s.removed[topic]; ok {
			continue
		}
		s.selected[topic] = struct{}{}
	}
	s.seeded = true
}
