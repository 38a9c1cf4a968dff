package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/attendance_backend/config"
	"bitbucket.org/mmdatafocus/attendance_backend/utils"
)

// Site is a geofenced work location: a circular zone (center + radius)
// within which a location event counts as "at" the site. Immutable during a
// resolution request; resolution reads a per-event snapshot of active sites.
type Site struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:200;uniqueIndex;not null" json:"name" binding:"required"`
	Lat       float64   `gorm:"not null" json:"lat"`
	Lon       float64   `gorm:"not null" json:"lon"`
	RadiusM   int       `gorm:"not null;default:200" json:"radius_m"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Center and RadiusM (below) satisfy geo.Fence.
func (s *Site) Center() (float64, float64) {
	return s.Lat, s.Lon
}

func (s *Site) RadiusMeters() float64 {
	return float64(s.RadiusM)
}

type NewSite struct {
	Name    string  `json:"name" binding:"required"`
	Lat     float64 `json:"lat" binding:"required"`
	Lon     float64 `json:"lon" binding:"required"`
	RadiusM int     `json:"radius_m"`
}

// validate input for both create & update. (id = 0 for create)
func (input *NewSite) validate(ctx context.Context, id int) error {
	if id > 0 {
		if err := utils.ValidateResourceId[Site](ctx, id); err != nil {
			return err
		}
	}
	if err := utils.ValidateUnique[Site](ctx, "name", input.Name, id); err != nil {
		return err
	}
	return nil
}

func CreateSite(ctx context.Context, input *NewSite) (*Site, error) {
	if err := input.validate(ctx, 0); err != nil {
		return nil, err
	}

	radius := input.RadiusM
	if radius <= 0 {
		radius = 200
	}
	site := Site{
		Name:     input.Name,
		Lat:      input.Lat,
		Lon:      input.Lon,
		RadiusM:  radius,
		IsActive: utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&site).Error; err != nil {
		return nil, err
	}
	return &site, nil
}

func UpdateSite(ctx context.Context, id int, input *NewSite) (*Site, error) {
	db := config.GetDB()
	site, err := utils.FetchModel[Site](ctx, id)
	if err != nil {
		return nil, err
	}
	if err := input.validate(ctx, id); err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Model(site).Updates(map[string]interface{}{
		"Name":    input.Name,
		"Lat":     input.Lat,
		"Lon":     input.Lon,
		"RadiusM": input.RadiusM,
	}).Error; err != nil {
		return nil, err
	}
	return site, nil
}

func ToggleActiveSite(ctx context.Context, id int, isActive bool) (*Site, error) {
	db := config.GetDB()
	site, err := utils.FetchModel[Site](ctx, id)
	if err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Model(site).Update("IsActive", isActive).Error; err != nil {
		return nil, err
	}
	return site, nil
}

// ActiveSites returns the active-site snapshot ordered by id ascending.
// Geofence tie-breaking depends on this order.
func ActiveSites(ctx context.Context) ([]*Site, error) {
	db := config.GetDB()
	var sites []*Site
	if err := db.WithContext(ctx).Where("is_active = ?", true).Order("id asc").Find(&sites).Error; err != nil {
		return nil, err
	}
	return sites, nil
}

func GetSite(ctx context.Context, id int) (*Site, error) {
	return utils.FetchModel[Site](ctx, id)
}
