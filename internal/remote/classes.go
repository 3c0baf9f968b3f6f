package remote

// Vehicle classes understood by the remote service.
const (
	ClassCar        = "Car"
	ClassMotorcycle = "Motorcycle"
	ClassBus        = "Bus"
	ClassTruck      = "Truck"
)

// detectorClasses maps detector class ids (COCO numbering) to vehicle classes.
var detectorClasses = map[int]string{
	2: ClassCar,
	3: ClassMotorcycle,
	5: ClassBus,
	7: ClassTruck,
}

// ClassForDetector returns the vehicle class for a detector class id.
// Unknown ids are reported as cars.
func ClassForDetector(id int) string {
	if c, ok := detectorClasses[id]; ok {
		return c
	}
	return ClassCar
}

// IsVehicleClass reports whether id is one of the tracked vehicle classes.
func IsVehicleClass(id int) bool {
	_, ok := detectorClasses[id]
	return ok
}
