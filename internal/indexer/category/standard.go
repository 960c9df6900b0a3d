// Package category implements the Newznab canonical category taxonomy and
// per-indexer mappings between native and canonical categories.
package category

import "strings"

// CustomOffset is added to native ids to build indexer specific categories.
const CustomOffset = 100000

// Standard Newznab Categories
// https://newznab.readthedocs.io/en/latest/misc/api/#predefined-categories
const (
	// Main categories
	Console = 1000
	Movies  = 2000
	Audio   = 3000
	PC      = 4000
	TV      = 5000
	XXX     = 6000
	Books   = 7000
	Other   = 8000

	// Movies subcategories
	MoviesForeign = 2010
	MoviesOther   = 2020
	MoviesSD      = 2030
	MoviesHD      = 2040
	MoviesUHD     = 2045
	MoviesBluRay  = 2050
	Movies3D      = 2060
	MoviesDVD     = 2070
	MoviesWebDL   = 2080
	MoviesX265    = 2090

	// TV subcategories
	TVWebDL       = 5010
	TVForeign     = 5020
	TVSD          = 5030
	TVHD          = 5040
	TVUHD         = 5045
	TVOther       = 5050
	TVSport       = 5060
	TVAnime       = 5070
	TVDocumentary = 5080
	TVX265        = 5090
)

// Category is a node of the canonical taxonomy.
type Category struct {
	ID            int         `json:"id"`
	Name          string      `json:"name"`
	Description   string      `json:"description,omitempty"`
	SubCategories []*Category `json:"subCategories,omitempty"`
}

// IsCustom reports whether the category is indexer specific.
func (c *Category) IsCustom() bool {
	return c.ID >= CustomOffset
}

// Contains reports whether id is the category itself or one of its children.
func (c *Category) Contains(id int) bool {
	if c.ID == id {
		return true
	}
	for _, sub := range c.SubCategories {
		if sub.ID == id {
			return true
		}
	}
	return false
}

func (c *Category) copyWithoutChildren() *Category {
	return &Category{ID: c.ID, Name: c.Name, Description: c.Description}
}

type standardEntry struct {
	id   int
	name string
}

var standardList = []standardEntry{
	{0, "Other"}, {10, "Other/Misc"}, {20, "Other/Hashed"},
	{1000, "Console"}, {1010, "Console/NDS"}, {1020, "Console/PSP"}, {1030, "Console/Wii"},
	{1040, "Console/XBox"}, {1050, "Console/XBox 360"}, {1060, "Console/Wiiware"},
	{1070, "Console/XBox 360 DLC"}, {1080, "Console/PS3"}, {1090, "Console/Other"},
	{1110, "Console/3DS"}, {1120, "Console/PS Vita"}, {1130, "Console/WiiU"},
	{1140, "Console/XBox One"}, {1180, "Console/PS4"},
	{2000, "Movies"}, {2010, "Movies/Foreign"}, {2020, "Movies/Other"}, {2030, "Movies/SD"},
	{2040, "Movies/HD"}, {2045, "Movies/UHD"}, {2050, "Movies/BluRay"}, {2060, "Movies/3D"},
	{2070, "Movies/DVD"}, {2080, "Movies/WEB-DL"}, {2090, "Movies/x265"},
	{3000, "Audio"}, {3010, "Audio/MP3"}, {3020, "Audio/Video"}, {3030, "Audio/Audiobook"},
	{3040, "Audio/Lossless"}, {3050, "Audio/Other"}, {3060, "Audio/Foreign"},
	{4000, "PC"}, {4010, "PC/0day"}, {4020, "PC/ISO"}, {4030, "PC/Mac"}, {4040, "PC/Mobile-Other"},
	{4050, "PC/Games"}, {4060, "PC/Mobile-iOS"}, {4070, "PC/Mobile-Android"},
	{5000, "TV"}, {5010, "TV/WEB-DL"}, {5020, "TV/Foreign"}, {5030, "TV/SD"}, {5040, "TV/HD"},
	{5045, "TV/UHD"}, {5050, "TV/Other"}, {5060, "TV/Sport"}, {5070, "TV/Anime"},
	{5080, "TV/Documentary"}, {5090, "TV/x265"},
	{6000, "XXX"}, {6010, "XXX/DVD"}, {6020, "XXX/WMV"}, {6030, "XXX/XviD"}, {6040, "XXX/x264"},
	{6045, "XXX/UHD"}, {6050, "XXX/Pack"}, {6060, "XXX/ImageSet"}, {6070, "XXX/Other"},
	{6080, "XXX/SD"}, {6090, "XXX/WEB-DL"},
	{7000, "Books"}, {7010, "Books/Mags"}, {7020, "Books/EBook"}, {7030, "Books/Comics"},
	{7040, "Books/Technical"}, {7050, "Books/Other"}, {7060, "Books/Foreign"},
	{8000, "Other"}, {8010, "Other/Misc"}, {8020, "Other/Hashed"},
}

var (
	standardByID   = map[int]*Category{}
	standardByName = map[string]*Category{}
	parents        []*Category
)

func init() {
	for _, e := range standardList {
		c := &Category{ID: e.id, Name: e.name}
		if e.id < 1000 {
			// legacy "zero" ids keep their own lookup but never join the tree
			standardByID[e.id] = c
			continue
		}
		standardByID[e.id] = c
		standardByName[strings.ToLower(e.name)] = c
		if e.id%1000 == 0 {
			parents = append(parents, c)
			continue
		}
		parent := standardByID[e.id/1000*1000]
		parent.SubCategories = append(parent.SubCategories, c)
	}
}

// ByID returns the standard category with the given id, or nil.
func ByID(id int) *Category {
	return standardByID[id]
}

// ByName returns the standard category with the given name ("Movies/HD"), case-insensitively.
func ByName(name string) *Category {
	return standardByName[strings.ToLower(strings.TrimSpace(name))]
}

// Name returns a human-readable name for a category id.
func Name(id int) string {
	if c := ByID(id); c != nil {
		return c.Name
	}
	return "Unknown"
}

// Parents returns the top-level standard categories.
func Parents() []*Category {
	return parents
}

// ParentOf returns the standard parent of id (the category itself for parents), or nil.
func ParentOf(id int) *Category {
	for _, p := range parents {
		if p.Contains(id) {
			return p
		}
	}
	return nil
}

func isParent(id int) bool {
	for _, p := range parents {
		if p.ID == id {
			return true
		}
	}
	return false
}

// IsMovieCategory returns true if the category is a movie category.
func IsMovieCategory(id int) bool {
	return id >= Movies && id < Audio
}

// IsTVCategory returns true if the category is a TV category.
func IsTVCategory(id int) bool {
	return id >= TV && id < XXX
}

// DefaultMovieCategories returns the default categories to search for movies.
func DefaultMovieCategories() []int {
	return []int{Movies, MoviesSD, MoviesHD, MoviesUHD, MoviesBluRay, MoviesWebDL}
}

// DefaultTVCategories returns the default categories to search for TV shows.
func DefaultTVCategories() []int {
	return []int{TV, TVSD, TVHD, TVUHD, TVAnime, TVWebDL}
}
