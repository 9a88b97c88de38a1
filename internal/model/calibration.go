// internal/model/calibration.go
package model

// CalibrationState represents the firmware calibration state machine
type CalibrationState int

const (
	CalibIdle CalibrationState = iota
	CalibIMUInit
	CalibIMURunning
	CalibMagInit
	CalibMagRunning
	CalibOdomInit
	CalibOdomRunning
	CalibLidarInit
	CalibLidarRunning
	CalibCameraInit
	CalibCameraRunning
	CalibBatteryInit
	CalibBatteryRunning
	CalibTempInit
	CalibTempRunning
	CalibValidate
	CalibComplete
	CalibError
)

var calibStateNames = map[CalibrationState]string{
	CalibIdle:           "idle",
	CalibIMUInit:        "imu_init",
	CalibIMURunning:     "imu_running",
	CalibMagInit:        "mag_init",
	CalibMagRunning:     "mag_running",
	CalibOdomInit:       "odom_init",
	CalibOdomRunning:    "odom_running",
	CalibLidarInit:      "lidar_init",
	CalibLidarRunning:   "lidar_running",
	CalibCameraInit:     "camera_init",
	CalibCameraRunning:  "camera_running",
	CalibBatteryInit:    "battery_init",
	CalibBatteryRunning: "battery_running",
	CalibTempInit:       "temp_init",
	CalibTempRunning:    "temp_running",
	CalibValidate:       "validate",
	CalibComplete:       "complete",
	CalibError:          "error",
}

// String returns the firmware name for the state
func (s CalibrationState) String() string {
	if name, ok := calibStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsError reports whether the state is the designated error state
func (s CalibrationState) IsError() bool {
	return s == CalibError
}

// CalibrationStatus represents the validity flag stored with a record
type CalibrationStatus int

const (
	CalibStatusInvalid CalibrationStatus = iota
	CalibStatusValid
	CalibStatusNeedsRecalibration
)

// CalibrationData is the coefficient record produced by a completed
// calibration run. The field set mirrors what the robot firmware
// stores; it is the payload of a DataComplete event.
type CalibrationData struct {
	// IMU
	IMUBiasX  float64 `json:"imuBiasX"`
	IMUBiasY  float64 `json:"imuBiasY"`
	IMUBiasZ  float64 `json:"imuBiasZ"`
	IMUScaleX float64 `json:"imuScaleX"`
	IMUScaleY float64 `json:"imuScaleY"`
	IMUScaleZ float64 `json:"imuScaleZ"`

	// Magnetometer
	MagOffsetX float64 `json:"magOffsetX"`
	MagOffsetY float64 `json:"magOffsetY"`
	MagOffsetZ float64 `json:"magOffsetZ"`
	MagScaleX  float64 `json:"magScaleX"`
	MagScaleY  float64 `json:"magScaleY"`
	MagScaleZ  float64 `json:"magScaleZ"`

	// Odometry
	PulsesPerMeterLeft  float64 `json:"pulsesPerMeterLeft"`
	PulsesPerMeterRight float64 `json:"pulsesPerMeterRight"`

	// LiDAR
	LidarOffsetDistance float64 `json:"lidarOffsetDistance"`
	LidarAngleOffset    float64 `json:"lidarAngleOffset"`

	// Camera intrinsics
	CameraFocalLength     float64 `json:"cameraFocalLength"`
	CameraPrincipalPointX float64 `json:"cameraPrincipalPointX"`
	CameraPrincipalPointY float64 `json:"cameraPrincipalPointY"`
	CameraDistortionK1    float64 `json:"cameraDistortionK1"`
	CameraDistortionK2    float64 `json:"cameraDistortionK2"`

	// Battery and temperature
	BatteryVoltageOffset float64 `json:"batteryVoltageOffset"`
	BatteryVoltageScale  float64 `json:"batteryVoltageScale"`
	TempOffset           float64 `json:"tempOffset"`

	Timestamp        int64             `json:"timestamp"`
	CalibrationCount int               `json:"calibrationCount"`
	Status           CalibrationStatus `json:"status"`
}
