package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Driver связывает распознавание строки назначения с открытием хранилища.
type Driver struct {
	Name string
	// Match сообщает, обслуживает ли драйвер данную строку назначения.
	Match func(dest string) bool
	// Open открывает (или создаёт) журнал по строке назначения.
	Open func(ctx context.Context, dest string) (Store, error)
}

var (
	driversMu sync.Mutex
	drivers   []Driver
)

// Register добавляет драйвер хранилища. Вызывается из init() бэкендов.
func Register(d Driver) {
	if d.Name == "" || d.Match == nil || d.Open == nil {
		panic("storage: incomplete driver registration")
	}
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers = append(drivers, d)
}

// Drivers возвращает имена зарегистрированных драйверов.
func Drivers() []string {
	driversMu.Lock()
	defer driversMu.Unlock()
	names := make([]string, 0, len(drivers))
	for _, d := range drivers {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names
}

// Open подбирает драйвер по строке назначения и открывает журнал.
func Open(ctx context.Context, dest string) (Store, error) {
	if dest == "" {
		return nil, fmt.Errorf("storage: destination is empty")
	}
	driversMu.Lock()
	registered := append([]Driver(nil), drivers...)
	driversMu.Unlock()

	for _, d := range registered {
		if d.Match(dest) {
			store, err := d.Open(ctx, dest)
			if err != nil {
				return nil, fmt.Errorf("storage: open %s: %w", d.Name, err)
			}
			return store, nil
		}
	}
	return nil, fmt.Errorf("storage: no driver for destination %q", dest)
}
