package sources

const (
	// USGS3DEPURL serves 3DEP elevation derivatives (aspect, slope, hillshade).
	USGS3DEPURL = "https://elevation.nationalmap.gov:443/arcgis/services/3DEPElevation/ImageServer/WMSServer"

	NOAARadarURL = "https://idpgis.ncep.noaa.gov/arcgis/services/NWS_Observations/radar_base_reflectivity/MapServer/WMSServer"

	WorldCountriesURL = "https://raw.githubusercontent.com/johan/world.geo.json/master/countries.geo.json"
)
