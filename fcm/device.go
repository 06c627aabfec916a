package fcm

// AndroidDeviceInfo is the device identity presented during GCM checkin and
// registration. Google only issues tokens to checkins that look like a real
// handset, so every field is populated from a factory image.
type AndroidDeviceInfo struct {
	BuildFingerprint string // brand/product/device:version/build_id/build_number:user/release-keys
	SDKVersion       int
	GMSVersion       int // Play Services version code
	Device           string
	Model            string
	Hardware         string
	Brand            string
	Manufacturer     string
	Product          string
	Bootloader       string
	Radio            string
	BuildTime        int64 // Build.TIME in seconds
	IIDVersion       string
}

// DefaultAndroidDevice returns a Pixel 7 on Android 13 (TQ3A.230805.001).
func DefaultAndroidDevice() AndroidDeviceInfo {
	return AndroidDeviceInfo{
		BuildFingerprint: "google/panther/panther:13/TQ3A.230805.001/10316531:user/release-keys",
		SDKVersion:       33,
		GMSVersion:       241516037,
		Device:           "panther",
		Model:            "Pixel 7",
		Hardware:         "panther",
		Brand:            "google",
		Manufacturer:     "Google",
		Product:          "panther",
		Bootloader:       "slider-1.2-9819352",
		Radio:            "g5300g-230511-230925-B-10484716",
		BuildTime:        1691193600,
		IIDVersion:       "20.1.0",
	}
}

// build converts the identity into the checkin build message.
func (d AndroidDeviceInfo) build() androidBuild {
	return androidBuild{
		Fingerprint:        d.BuildFingerprint,
		Hardware:           d.Hardware,
		Brand:              d.Brand,
		Radio:              d.Radio,
		Bootloader:         d.Bootloader,
		ClientID:           "android-google",
		Time:               d.BuildTime,
		PackageVersionCode: int32(d.GMSVersion),
		Device:             d.Device,
		SDKVersion:         int32(d.SDKVersion),
		Model:              d.Model,
		Manufacturer:       d.Manufacturer,
		Product:            d.Product,
	}
}

// AppIdentity is the Android application the token is issued to. Package and
// CertSHA1 must match the app registered in the sender's Firebase project.
type AppIdentity struct {
	Package     string
	CertSHA1    string
	VersionCode int
}

// DefaultApp is the identity used when none is configured.
func DefaultApp() AppIdentity {
	return AppIdentity{
		Package:     "io.slush.pushregistry",
		CertSHA1:    "38918a453d07199354f8b19af05ec6562ced5788",
		VersionCode: 1,
	}
}
