package usbid

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// DefaultPaths lists the standard locations for the USB ID database.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Database caches vendor, product and class names from the USB ID database.
type Database struct {
	mu       sync.RWMutex
	vendors  map[uint16]string // VID -> vendor name
	products map[uint32]string // (VID<<16)|PID -> product name
	classes  map[uint8]string  // class code -> class name
	loaded   bool
	source   string
	paths    []string
}

// New creates a database that searches the default paths.
func New() *Database {
	return NewWithPaths(DefaultPaths)
}

// NewWithPaths creates a database that searches the specified paths. An
// empty slice falls back to DefaultPaths.
func NewWithPaths(paths []string) *Database {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	return &Database{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
		classes:  make(map[uint8]string),
		paths:    paths,
	}
}

// Load parses the first database file found on the search path. Subsequent
// calls do nothing once a load has been attempted.
//
// Returns true if a database file was parsed (now or earlier).
func (db *Database) Load() bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.loaded {
		return db.source != ""
	}
	db.loaded = true

	for _, path := range db.paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		err = db.parse(f)
		f.Close()
		if err == nil {
			db.source = path
			return true
		}
	}
	return false
}

// Parse reads usb.ids formatted data from r, merging it into the database.
func (db *Database) Parse(r io.Reader) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.loaded = true
	if db.source == "" {
		db.source = "reader"
	}
	return db.parse(r)
}

// parse must be called with db.mu held.
func (db *Database) parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	var (
		currentVID uint16
		inVendor   bool
	)

	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		switch {
		case strings.HasPrefix(line, "\t\t"):
			// Interface or protocol line, nothing cached.
		case line[0] == '\t':
			if !inVendor {
				continue
			}
			id, name, ok := splitEntry(line[1:], 4)
			if !ok {
				continue
			}
			db.products[(uint32(currentVID)<<16)|uint32(id)] = name
		case strings.HasPrefix(line, "C "):
			inVendor = false
			id, name, ok := splitEntry(line[2:], 2)
			if ok {
				db.classes[uint8(id)] = name
			}
		default:
			id, name, ok := splitEntry(line, 4)
			if !ok {
				// AT, HID, L and the other trailing sections.
				inVendor = false
				continue
			}
			currentVID = uint16(id)
			inVendor = true
			db.vendors[currentVID] = name
		}
	}
	return scanner.Err()
}

// splitEntry parses "xxxx  Name" where the id has the given hex width.
func splitEntry(s string, width int) (uint64, string, bool) {
	if len(s) < width+2 || s[width] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(s[:width], 16, width*4)
	if err != nil {
		return 0, "", false
	}
	name := strings.TrimLeft(s[width:], " ")
	if name == "" {
		return 0, "", false
	}
	return id, name, true
}

// LookupVendor returns the vendor name for the given VID, or "".
func (db *Database) LookupVendor(vid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.vendors[vid]
}

// LookupProduct returns the product name for the given VID/PID, or "".
func (db *Database) LookupProduct(vid, pid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.products[(uint32(vid)<<16)|uint32(pid)]
}

// LookupClass returns the name of a device or interface class code, or "".
func (db *Database) LookupClass(class uint8) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.classes[class]
}

// Describe returns "<vendor> <product> (VVVV:PPPP)", omitting unknown names.
func (db *Database) Describe(vid, pid uint16) string {
	id := fmt.Sprintf("%04X:%04X", vid, pid)
	parts := make([]string, 0, 3)
	if v := db.LookupVendor(vid); v != "" {
		parts = append(parts, v)
	}
	if p := db.LookupProduct(vid, pid); p != "" {
		parts = append(parts, p)
	}
	if len(parts) == 0 {
		return id
	}
	return strings.Join(parts, " ") + " (" + id + ")"
}

// IsLoaded returns true if a load has been attempted.
func (db *Database) IsLoaded() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.loaded
}

// Source returns the path the database was read from, or "".
func (db *Database) Source() string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.source
}

// VendorCount returns the number of vendors in the database.
func (db *Database) VendorCount() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.vendors)
}

// ProductCount returns the number of products in the database.
func (db *Database) ProductCount() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.products)
}
